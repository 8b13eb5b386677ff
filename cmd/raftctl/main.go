package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/status"

	"raftkv/internal/raft/rpc"
)

const usage = `usage: raftctl [-addr host:port] [-timeout d] <command>

commands:
  get [key]              read one key, or every committed key
  set key value          write a key through the cluster
  add-fellow addr        add a peer to the node
  remove-fellow addr     remove a peer from the node
  fellows                list the peers of the node
  state                  show the node state
`

func main() {
	addr := flag.String("addr", "localhost:3010", "Address of the node to talk to")
	timeout := flag.Duration("timeout", 5*time.Second, "Request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	conn, err := rpc.Dial(*addr)
	if err != nil {
		fail(err)
	}
	defer conn.Close()
	client := rpc.NewRaftServiceClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	out, err := run(ctx, client, flag.Args())
	if err != nil {
		fail(err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fail(err)
	}
}

func run(ctx context.Context, client rpc.RaftServiceClient, args []string) (any, error) {
	cmd, args := args[0], args[1:]
	switch {
	case cmd == "get" && len(args) <= 1:
		req := &rpc.GetRequest{}
		if len(args) == 1 {
			req.Key, req.HasKey = args[0], true
		}
		resp, err := client.Get(ctx, req)
		if err != nil {
			return nil, err
		}
		return resp.Values, nil
	case cmd == "set" && len(args) == 2:
		resp, err := client.Set(ctx, &rpc.SetRequest{Key: args[0], Value: args[1], RequestID: uuid.NewString()})
		if err != nil {
			return nil, err
		}
		return map[string]bool{"success": resp.Success}, nil
	case cmd == "add-fellow" && len(args) == 1:
		resp, err := client.AddFellow(ctx, &rpc.FellowRequest{Address: args[0]})
		if err != nil {
			return nil, err
		}
		return map[string]bool{"changed": resp.Changed}, nil
	case cmd == "remove-fellow" && len(args) == 1:
		resp, err := client.RemoveFellow(ctx, &rpc.FellowRequest{Address: args[0]})
		if err != nil {
			return nil, err
		}
		return map[string]bool{"changed": resp.Changed}, nil
	case cmd == "fellows" && len(args) == 0:
		resp, err := client.ShowFellows(ctx, &rpc.ShowFellowsRequest{})
		if err != nil {
			return nil, err
		}
		return resp.Fellows, nil
	case cmd == "state" && len(args) == 0:
		resp, err := client.State(ctx, &rpc.StateRequest{})
		if err != nil {
			return nil, err
		}
		return stateView(resp), nil
	default:
		return nil, fmt.Errorf("unknown command or wrong arguments: %v", append([]string{cmd}, args...))
	}
}

type changeView struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Status string `json:"status"`
}

type nodeView struct {
	ID              string            `json:"id"`
	Incarnation     string            `json:"incarnation"`
	Role            string            `json:"role"`
	Term            uint64            `json:"term"`
	VotedFor        string            `json:"voted_for,omitempty"`
	CurrentLeader   string            `json:"current_leader,omitempty"`
	LastHeartbeatAt *time.Time        `json:"last_heartbeat_at,omitempty"`
	Fellows         []string          `json:"fellows"`
	Pending         []changeView      `json:"pending"`
	Committed       map[string]string `json:"committed"`
}

func stateView(resp *rpc.StateResponse) nodeView {
	v := nodeView{
		ID:            resp.ID,
		Incarnation:   resp.Incarnation,
		Role:          resp.Role,
		Term:          resp.Term,
		VotedFor:      resp.VotedFor,
		CurrentLeader: resp.CurrentLeader,
		Fellows:       resp.Fellows,
		Pending:       []changeView{},
		Committed:     resp.Committed,
	}
	if resp.LastHeartbeatAt != 0 {
		at := time.Unix(0, int64(resp.LastHeartbeatAt))
		v.LastHeartbeatAt = &at
	}
	for _, c := range resp.Pending {
		st := "pending"
		if c.Status == rpc.StatusCommitted {
			st = "committed"
		}
		v.Pending = append(v.Pending, changeView{Key: c.Key, Value: c.Value, Status: st})
	}
	return v
}

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "raftctl: %s: %s\n", s.Code(), s.Message())
	} else {
		fmt.Fprintf(os.Stderr, "raftctl: %v\n", err)
	}
	os.Exit(1)
}
