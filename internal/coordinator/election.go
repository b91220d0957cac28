package coordinator

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// GenericElector implements LeaderElector over any Client: campaign by
// creating a sequential ephemeral child of electionPath, then watch until
// this client's child is first-in-line among the current children.
type GenericElector struct {
	client       Client
	electionPath string
	pollInterval time.Duration
}

// NewGenericElector returns a LeaderElector backed by client, with
// candidates competing under electionPath (e.g. "/scheduler-leader").
func NewGenericElector(client Client, electionPath string) *GenericElector {
	return &GenericElector{client: client, electionPath: electionPath, pollInterval: 500 * time.Millisecond}
}

func (e *GenericElector) Campaign(ctx context.Context) (<-chan struct{}, func() error, error) {
	myPath, err := e.client.CreateSequentialEphemeral(ctx, e.electionPath, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create election candidate: %w", err)
	}
	mySeq, err := sequenceSuffix(myPath)
	if err != nil {
		return nil, nil, fmt.Errorf("parse candidate sequence: %w", err)
	}

	resign := func() error {
		return e.client.Delete(context.Background(), myPath, -1)
	}

	for {
		children, err := e.client.Children(ctx, e.electionPath)
		if err != nil {
			return nil, resign, fmt.Errorf("list election candidates: %w", err)
		}
		if isLowest(children, mySeq) {
			break
		}

		watch, err := e.client.Watch(ctx, e.electionPath)
		if err != nil {
			return nil, resign, fmt.Errorf("watch election path: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, resign, ctx.Err()
		case <-watch:
		case <-time.After(e.pollInterval):
		}
	}

	lost := make(chan struct{})
	go e.watchLeadership(ctx, myPath, lost)

	return lost, resign, nil
}

// watchLeadership closes lost once myPath is no longer present (its lease
// expired or it was deleted out from under us).
func (e *GenericElector) watchLeadership(ctx context.Context, myPath string, lost chan struct{}) {
	defer close(lost)
	dir := path.Dir(myPath)
	for {
		watch, err := e.client.Watch(ctx, dir)
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-watch:
		case <-time.After(e.pollInterval):
		}
		if _, err := e.client.Get(ctx, myPath); err != nil {
			return
		}
	}
}

func isLowest(children []string, mySeq int64) bool {
	lowest := mySeq
	found := false
	for _, c := range children {
		seq, err := sequenceSuffix(c)
		if err != nil {
			continue
		}
		if !found || seq < lowest {
			lowest = seq
			found = true
		}
	}
	return !found || lowest == mySeq
}

func sequenceSuffix(p string) (int64, error) {
	name := p
	if idx := strings.LastIndexByte(p, '/'); idx >= 0 {
		name = p[idx+1:]
	}
	trimmed := strings.TrimLeft(name, "0")
	if trimmed == "" {
		return 0, nil
	}
	return strconv.ParseInt(trimmed, 10, 64)
}
