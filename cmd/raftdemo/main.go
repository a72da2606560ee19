// Command raftdemo boots an in-process Raft cluster and drives it with a
// handful of client writes, logging role transitions as they happen and
// each replica's applied-log length at the end of the run. It exists to exercise the wiring between the registry,
// executor and raft packages end to end; it is not a client-facing server.
package main

import (
	"flag"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fjianc/raftcore/executor"
	"github.com/fjianc/raftcore/raft"
	"github.com/fjianc/raftcore/registry"
)

func main() {
	size := flag.Int("size", 5, "number of replicas in the cluster")
	workers := flag.Int("workers", 8, "executor worker count")
	runtime := flag.Duration("runtime", 5*time.Second, "how long to run before shutting down")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg := raft.DefaultConfig(*size)
	pool := executor.NewPool(*workers)
	defer pool.Close()

	var peers *registry.Registry[*raft.Replica]
	peers = registry.New[*raft.Replica](func(id int) *raft.Replica {
		return raft.NewReplica(id, peers, pool, cfg, logger.Sugar())
	})

	ids := make([]int, 0, *size)
	for id := 1; id <= *size; id++ {
		ids = append(ids, id)
	}
	for _, id := range ids {
		peers.Get(id).Start()
	}
	sugar.Infow("cluster started", "size", *size)

	deadline := time.Now().Add(*runtime)
	n := 0
	for time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)

		var leader *raft.Replica
		for _, id := range ids {
			r := peers.Get(id)
			if r.Role() == raft.RoleLeader {
				leader = r
				break
			}
		}
		if leader == nil {
			continue
		}

		n++
		payload := fmt.Sprintf("entry-%d", n)
		if redirect := leader.AddLog([]byte(payload)); redirect != 0 {
			sugar.Infow("leader changed mid-flight, retrying next tick", "redirect", redirect)
			continue
		}
		sugar.Infow("submitted entry", "leader", leader.ID(), "payload", payload)
	}

	for _, id := range ids {
		applied := peers.Get(id).AppliedLog()
		sugar.Infow("final applied log", "replica", id, "entries", len(applied))
	}

	for _, id := range ids {
		peers.Get(id).Stop()
	}
}
