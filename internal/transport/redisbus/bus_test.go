package redisbus

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/weft/internal/testutil"
	"github.com/petrijr/weft/pkg/api"
)

const testPrefix = "weft:bus-test:"

type BusTestSuite struct {
	suite.Suite
	client *redis.Client
	bus    *Bus
}

func TestBusSuite(t *testing.T) {
	addr := testutil.RedisAddress(t)

	s := new(BusTestSuite)
	s.client = redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = s.client.Close() })
	s.bus = New(s.client, testPrefix)
	suite.Run(t, s)
}

func (s *BusTestSuite) SetupTest() {
	ctx := context.Background()
	iter := s.client.Scan(ctx, 0, testPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		s.Require().NoError(s.client.Del(ctx, iter.Val()).Err())
	}
	s.Require().NoError(iter.Err())
}

func (s *BusTestSuite) next(stream api.StatusStream) api.StatusEvent {
	select {
	case ev, ok := <-stream.Events():
		s.Require().True(ok, "stream closed")
		return ev
	case err := <-stream.Errors():
		s.FailNow("stream error", "%v", err)
	case <-time.After(5 * time.Second):
		s.FailNow("timed out waiting for event")
	}
	return api.StatusEvent{}
}

func (s *BusTestSuite) TestReplayThenLive() {
	ctx := context.Background()
	s.Require().NoError(s.bus.Publish(ctx, api.StatusEvent{RunID: "r1", WorkflowID: "wf", Status: api.RunQueued}))

	stream, err := s.bus.Subscribe(ctx, "r1", "wf")
	s.Require().NoError(err)
	defer stream.Close()

	s.Equal(api.RunQueued, s.next(stream).Status)

	s.Require().NoError(s.bus.Publish(ctx, api.StatusEvent{RunID: "r1", WorkflowID: "wf", Status: api.RunCompleted}))
	s.Equal(api.RunCompleted, s.next(stream).Status)

	history, err := s.bus.History(ctx, "r1")
	s.Require().NoError(err)
	s.Len(history, 2)
}

func (s *BusTestSuite) TestWorkflowFallback() {
	ctx := context.Background()
	stream, err := s.bus.Subscribe(ctx, "", "wf-2")
	s.Require().NoError(err)
	defer stream.Close()

	s.Require().NoError(s.bus.Publish(ctx, api.StatusEvent{RunID: "r7", WorkflowID: "wf-2", Status: api.RunRunning}))
	ev := s.next(stream)
	s.Equal("r7", ev.RunID)
	s.Equal(api.RunRunning, ev.Status)
}

func (s *BusTestSuite) TestRunSubscriptionTakesWorkflowKeyedEvents() {
	ctx := context.Background()
	s.Require().NoError(s.bus.Publish(ctx, api.StatusEvent{WorkflowID: "wf-3", Status: api.RunQueued}))

	stream, err := s.bus.Subscribe(ctx, "r9", "wf-3")
	s.Require().NoError(err)
	defer stream.Close()

	s.Equal(api.RunQueued, s.next(stream).Status)

	// Another run of the same workflow is not ours.
	s.Require().NoError(s.bus.Publish(ctx, api.StatusEvent{RunID: "r8", WorkflowID: "wf-3", Status: api.RunFailed}))
	s.Require().NoError(s.bus.Publish(ctx, api.StatusEvent{WorkflowID: "wf-3", Status: api.RunRunning}))
	s.Equal(api.RunRunning, s.next(stream).Status)

	s.Require().NoError(s.bus.Publish(ctx, api.StatusEvent{RunID: "r9", WorkflowID: "wf-3", Status: api.RunCompleted}))
	ev := s.next(stream)
	s.Equal(api.RunCompleted, ev.Status)
	s.Equal("r9", ev.RunID)
}
