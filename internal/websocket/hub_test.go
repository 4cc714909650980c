package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/pkgvault/internal/model"
	"github.com/dukerupert/pkgvault/internal/pipeline"
)

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub) *Client {
	return &Client{
		hub:  hub,
		conn: nil,
		send: make(chan []byte, sendBufferSize),
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(slog.Default())

	c1 := mockClient(hub)
	c2 := mockClient(hub)

	hub.Register(c1)
	hub.Register(c2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	hub.Unregister(c1)

	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	hub.Unregister(c2)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestDoubleUnregister(t *testing.T) {
	hub := NewHub(slog.Default())
	c := mockClient(hub)
	hub.Register(c)
	hub.Unregister(c)
	// Should not panic
	hub.Unregister(c)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestProgressBroadcast(t *testing.T) {
	hub := NewHub(slog.Default())

	c1 := mockClient(hub)
	c2 := mockClient(hub)
	hub.Register(c1)
	hub.Register(c2)

	hub.ProgressChanged(pipeline.Progress{RunID: "run-1", Status: "Processing (1/3)", Total: 3, Running: true})

	// Check both clients received the message
	for _, c := range []*Client{c1, c2} {
		select {
		case data := <-c.send:
			var got Message
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != TypeProgress {
				t.Errorf("expected type %s, got %s", TypeProgress, got.Type)
			}
			if got.Progress == nil || got.Progress.Status != "Processing (1/3)" || got.Progress.Total != 3 {
				t.Errorf("unexpected progress %+v", got.Progress)
			}
			if got.Task != nil {
				t.Errorf("expected no task, got %+v", got.Task)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for message")
		}
	}

	hub.Unregister(c1)
	hub.Unregister(c2)
}

func TestTaskBroadcast(t *testing.T) {
	hub := NewHub(slog.Default())
	c := mockClient(hub)
	hub.Register(c)

	hub.TaskChanged(model.ProcessingTask{
		PackageID: "com.example.app",
		State:     model.TaskProcessing,
		Objects: []model.ProcessingObject{
			{Category: model.CategoryUserData, Visible: true, State: model.ObjectProcessing, Title: "Processing"},
		},
	})

	select {
	case data := <-c.send:
		var got Message
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != TypeTask || got.Task == nil {
			t.Fatalf("unexpected message %+v", got)
		}
		if got.Task.PackageID != "com.example.app" || len(got.Task.Objects) != 1 {
			t.Errorf("unexpected task %+v", got.Task)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}

	hub.Unregister(c)
}

func TestBroadcastEmptyHub(t *testing.T) {
	hub := NewHub(slog.Default())
	// Should not panic
	hub.ProgressChanged(pipeline.Progress{Status: "Idle"})
}

func TestBroadcastFullBuffer(t *testing.T) {
	hub := NewHub(slog.Default())

	c := mockClient(hub)
	hub.Register(c)

	// Fill the send buffer
	for i := 0; i < sendBufferSize; i++ {
		hub.ProgressChanged(pipeline.Progress{Completed: i})
	}

	// This should drop the message, not panic or block
	hub.ProgressChanged(pipeline.Progress{Completed: 999})

	// Drain to verify buffer was full
	count := 0
	for {
		select {
		case <-c.send:
			count++
		default:
			goto done
		}
	}
done:
	if count != sendBufferSize {
		t.Errorf("expected %d messages, got %d", sendBufferSize, count)
	}

	hub.Unregister(c)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub(slog.Default())
	var wg sync.WaitGroup

	// Spawn goroutines that register, broadcast, and unregister concurrently
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := mockClient(hub)
			hub.Register(c)
			hub.TaskChanged(model.ProcessingTask{PackageID: "com.example.app"})
			// Drain any messages
			for {
				select {
				case <-c.send:
				default:
					hub.Unregister(c)
					return
				}
			}
		}()
	}

	wg.Wait()

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after concurrent test, got %d", got)
	}
}

func TestRegisterReplaysLastProgress(t *testing.T) {
	hub := NewHub(slog.Default())

	hub.TaskChanged(model.ProcessingTask{PackageID: "com.example.app"})
	hub.ProgressChanged(pipeline.Progress{Status: "Processing (1/2)"})
	hub.ProgressChanged(pipeline.Progress{Status: "Processing (2/2)"})

	c := mockClient(hub)
	hub.Register(c)
	defer hub.Unregister(c)

	select {
	case data := <-c.send:
		var got Message
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != TypeProgress || got.Progress.Status != "Processing (2/2)" {
			t.Errorf("replayed %+v, want latest progress", got)
		}
	default:
		t.Fatal("expected replayed progress")
	}

	select {
	case data := <-c.send:
		t.Errorf("unexpected extra message %s", data)
	default:
	}
}
