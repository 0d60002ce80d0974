package transport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(os.Stderr, "[test] ", log.LstdFlags)
}

// pullServer is a minimal sync endpoint: it acks every folded-in record
// and returns a canned batch.
type pullServer struct {
	mu       sync.Mutex
	requests []PullRequest
	records  []*Frame
	fail     bool
}

func (ps *pullServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		defer ps.mu.Unlock()

		if ps.fail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		var req PullRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ps.requests = append(ps.requests, req)

		resp := PullResponse{ServerTime: 100}
		for _, f := range req.Records {
			resp.Acks = append(resp.Acks, &Ack{RecordID: f.RecordID, Accepted: true})
		}
		for _, f := range ps.records {
			if f.UpdatedAt > req.Since {
				resp.Records = append(resp.Records, f)
			}
		}
		_ = json.NewEncoder(w).Encode(&resp)
	}
}

func (ps *pullServer) requestCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.requests)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestPullFoldsOutboundIntoNextRequest(t *testing.T) {
	ps := &pullServer{}
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()

	ch := NewPullChannel(PullConfig{
		URL:     srv.URL,
		OwnerID: "report-1",
		Logger:  testLogger(t),
	})

	var mu sync.Mutex
	var acks []*Ack
	ch.OnMessage(func(env *Envelope) {
		if env.Kind == KindAck {
			mu.Lock()
			acks = append(acks, env.Ack)
			mu.Unlock()
		}
	})

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer ch.Disconnect()

	accepted, err := ch.Send(context.Background(), &Envelope{
		Kind:   KindRecord,
		Record: &Frame{RecordID: "p1", OwnerID: "report-1", UpdatedAt: 1, NodeID: "a"},
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !accepted {
		t.Fatal("send not accepted")
	}

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(acks) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if acks[0].RecordID != "p1" || !acks[0].Accepted {
		t.Errorf("unexpected ack: %+v", acks[0])
	}
}

func TestPullDeliversInboundBatch(t *testing.T) {
	ps := &pullServer{records: []*Frame{
		{RecordID: "p9", OwnerID: "report-1", UpdatedAt: 50, NodeID: "other"},
	}}
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()

	ch := NewPullChannel(PullConfig{
		URL:     srv.URL,
		OwnerID: "report-1",
		Logger:  testLogger(t),
	})

	var mu sync.Mutex
	var batches []*Batch
	ch.OnMessage(func(env *Envelope) {
		if env.Kind == KindBatch {
			mu.Lock()
			batches = append(batches, env.Batch)
			mu.Unlock()
		}
	})

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer ch.Disconnect()

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) >= 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(batches[0].Records) != 1 || batches[0].Records[0].RecordID != "p9" {
		t.Errorf("unexpected batch: %+v", batches[0])
	}
	if batches[0].ServerTime != 100 {
		t.Errorf("expected server time 100, got %d", batches[0].ServerTime)
	}
}

func TestPullSendWithoutConnectFails(t *testing.T) {
	ch := NewPullChannel(PullConfig{URL: "http://127.0.0.1:0", OwnerID: "report-1", Logger: testLogger(t)})

	_, err := ch.Send(context.Background(), &Envelope{Kind: KindRecord, Record: &Frame{RecordID: "p1"}})
	if err == nil {
		t.Fatal("expected error from disconnected channel")
	}
}

func TestPullDegradesOnServerFailureAndRecovers(t *testing.T) {
	ps := &pullServer{fail: true}
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()

	ch := NewPullChannel(PullConfig{URL: srv.URL, OwnerID: "report-1", Logger: testLogger(t)})
	ch.OnMessage(func(*Envelope) {})

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer ch.Disconnect()

	waitFor(t, 5*time.Second, func() bool { return ch.Status() == StatusDegraded })

	ps.mu.Lock()
	ps.fail = false
	ps.mu.Unlock()

	waitFor(t, 5*time.Second, func() bool { return ch.Status() == StatusConnected })
}

func TestPullEnforcesMinimumInterval(t *testing.T) {
	ps := &pullServer{}
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()

	ch := NewPullChannel(PullConfig{
		URL:      srv.URL,
		OwnerID:  "report-1",
		Interval: time.Millisecond, // below the floor, must be raised
		Logger:   testLogger(t),
	})
	ch.OnMessage(func(*Envelope) {})

	if ch.cfg.Interval < MinPullInterval {
		t.Fatalf("interval not raised to floor: %s", ch.cfg.Interval)
	}

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer ch.Disconnect()

	// Hammer the wake path; polls must still respect the floor.
	for i := 0; i < 50; i++ {
		_, _ = ch.Send(context.Background(), &Envelope{Kind: KindSyncRequest, Sync: &SyncRequest{OwnerID: "report-1"}})
		time.Sleep(time.Millisecond)
	}

	if n := ps.requestCount(); n > 2 {
		t.Errorf("expected at most 2 polls within the interval floor, got %d", n)
	}
}
