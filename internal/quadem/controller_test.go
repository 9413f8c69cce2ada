package quadem

import (
	"context"
	"errors"
	"testing"
	"time"

	c "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap/zaptest"
)

func newTestController(t *testing.T, ringSize, queueSize int) (*Controller, *DispatchQueue) {
	q := NewDispatchQueue(queueSize)
	ctrl := NewController(NewRingBuffer(ringSize), q, zaptest.NewLogger(t))
	ctrl.Start()
	return ctrl, q
}

func TestControllerAveragingTrigger(t *testing.T) {
	c.Convey("Given a controller averaging 5 records", t, func() {
		ctrl, q := newTestController(t, 16, 16)
		c.So(ctrl.SetNumAverage(5), c.ShouldEqual, 5)

		c.Convey("When 4 records arrive", func() {
			for i := 0; i < 4; i++ {
				c.So(ctrl.Append(recordN(i)), c.ShouldBeFalse)
			}
			c.Convey("Then nothing is dispatched yet", func() {
				c.So(q.Len(), c.ShouldEqual, 0)
				c.So(ctrl.RawCount(), c.ShouldEqual, 4)
			})
		})

		c.Convey("When the 5th record arrives", func() {
			for i := 0; i < 4; i++ {
				ctrl.Append(recordN(i))
			}
			c.So(ctrl.Append(recordN(4)), c.ShouldBeTrue)

			c.Convey("Then exactly one batch of 5 is dispatched and rawCount resets", func() {
				c.So(q.Len(), c.ShouldEqual, 1)
				b, err := q.Receive(context.Background())
				c.So(err, c.ShouldBeNil)
				c.So(b.Records, c.ShouldEqual, 5)
				c.So(b.Generation, c.ShouldEqual, ctrl.Generation())
				c.So(ctrl.RawCount(), c.ShouldEqual, 0)
				c.So(ctrl.RingCount(), c.ShouldEqual, 5)
			})
		})
	})
}

func TestControllerManualTrigger(t *testing.T) {
	c.Convey("Given a controller with automatic flushing disabled", t, func() {
		ctrl, q := newTestController(t, 16, 16)
		ctrl.SetNumAverage(0)

		c.Convey("When triggered with nothing accumulated", func() {
			sent := ctrl.Trigger()
			c.Convey("Then no message is sent", func() {
				c.So(sent, c.ShouldBeFalse)
				c.So(q.Len(), c.ShouldEqual, 0)
			})
		})

		c.Convey("When triggered after 3 records", func() {
			for i := 0; i < 3; i++ {
				c.So(ctrl.Append(recordN(i)), c.ShouldBeFalse)
			}
			c.So(ctrl.Trigger(), c.ShouldBeTrue)
			c.Convey("Then a batch of 3 is dispatched", func() {
				b, _ := q.Receive(context.Background())
				c.So(b.Records, c.ShouldEqual, 3)
				c.So(ctrl.RawCount(), c.ShouldEqual, 0)
			})
		})
	})
}

func TestControllerQueueFullDiscardsCount(t *testing.T) {
	ctrl, q := newTestController(t, 16, 1)
	ctrl.SetNumAverage(2)

	for i := 0; i < 4; i++ {
		ctrl.Append(recordN(i))
	}

	if q.Len() != 1 {
		t.Fatalf("expected 1 queued message, got %d", q.Len())
	}
	if ctrl.RawCount() != 0 {
		t.Errorf("expected rawCount reset after failed dispatch, got %d", ctrl.RawCount())
	}
	if !ctrl.Acquiring() {
		t.Error("acquisition should continue after a failed dispatch")
	}
}

func TestControllerOverflow(t *testing.T) {
	ctrl, _ := newTestController(t, 4, 16)
	ctrl.SetNumAverage(0)

	for i := 0; i < 5; i++ {
		ctrl.Append(recordN(i))
	}

	if ctrl.Overflows() != 1 {
		t.Errorf("expected 1 overflow, got %d", ctrl.Overflows())
	}
	if ctrl.RingCount() != 4 {
		t.Errorf("expected 4 resident records, got %d", ctrl.RingCount())
	}
	// Eviction corrects rawCount by one only, so it tracks the records
	// actually resident here.
	if ctrl.RawCount() != 4 {
		t.Errorf("expected rawCount 4, got %d", ctrl.RawCount())
	}
}

// Known edge case: when the ring overflows while earlier batches are still
// waiting to be drained, the evicted record belongs to a dispatched batch but
// rawCount is the counter that gets decremented. The dispatched batch then
// finds too few records.
func TestControllerOverflowDuringAccumulationUnderReports(t *testing.T) {
	ctrl, q := newTestController(t, 4, 16)
	ctrl.SetNumAverage(3)

	for i := 0; i < 3; i++ {
		ctrl.Append(recordN(i))
	}
	if b, _ := q.Receive(context.Background()); b.Records != 3 {
		t.Fatalf("expected first batch of 3, got %d", b.Records)
	}
	ctrl.Append(recordN(3))
	ctrl.Append(recordN(4)) // evicts record 0 of the dispatched batch

	if ctrl.RawCount() != 1 {
		t.Errorf("expected rawCount 1 after decrement-once eviction, got %d", ctrl.RawCount())
	}
	if _, err := ctrl.Drain(4); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}
}

func TestControllerStartClearsState(t *testing.T) {
	ctrl, q := newTestController(t, 8, 8)
	ctrl.SetNumAverage(2)
	for i := 0; i < 3; i++ {
		ctrl.Append(recordN(i))
	}
	ctrl.MarkAcquired()
	ctrl.Stop()
	ctrl.Stop()
	if ctrl.Acquiring() {
		t.Fatal("expected idle after Stop")
	}

	gen := ctrl.Generation()
	ctrl.Start()

	if ctrl.Generation() != gen+1 {
		t.Errorf("expected a new generation, got %d after %d", ctrl.Generation(), gen)
	}
	if ctrl.RingCount() != 0 || ctrl.RawCount() != 0 || ctrl.NumAcquired() != 0 || q.Len() != 0 {
		t.Errorf("expected clean state, got ring=%d raw=%d acquired=%d queue=%d",
			ctrl.RingCount(), ctrl.RawCount(), ctrl.NumAcquired(), q.Len())
	}
}

func TestControllerClampsNumAverage(t *testing.T) {
	ctrl, _ := newTestController(t, 8, 8)
	if got := ctrl.SetNumAverage(100); got != 8 {
		t.Errorf("expected clamp to 8, got %d", got)
	}
	if got := ctrl.SetNumAverage(-3); got != 0 {
		t.Errorf("expected 0 for negative, got %d", got)
	}
}

func TestDispatchQueue(t *testing.T) {
	q := NewDispatchQueue(2)
	if err := q.TrySend(Batch{Records: 1}); err != nil {
		t.Fatal(err)
	}
	if err := q.TrySend(Batch{Records: 2}); err != nil {
		t.Fatal(err)
	}
	if err := q.TrySend(Batch{Records: 3}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if b, _ := q.Receive(context.Background()); b.Records != 1 {
		t.Errorf("expected FIFO order, got %d", b.Records)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	q.Drain()
	if _, err := q.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestParseAcquireMode(t *testing.T) {
	for in, want := range map[string]AcquireMode{"": Continuous, "Multiple": Multiple, " single ": Single} {
		if got, err := ParseAcquireMode(in); err != nil || got != want {
			t.Errorf("ParseAcquireMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseAcquireMode("burst"); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("expected ErrInvalidParam, got %v", err)
	}
}
