// Command replica joins a chat document on a docserver, prints its
// transcript and optionally appends a message, saves or keeps following
// changes.
//
// Usage:
//
//	go run ./cmd/replica -doc notes [-url ws://localhost:8080/ws] [-name ada] [-append "hello"] [-save] [-follow]
//	go run ./cmd/replica -doc notes -tool-call-id call_1 -tool-output outputs.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/neurosift/nschat/client"
	"github.com/neurosift/nschat/internal/awareness"
	"github.com/neurosift/nschat/internal/chat"
	"github.com/neurosift/nschat/internal/docmodel"
	"github.com/neurosift/nschat/internal/kernel"
	"github.com/neurosift/nschat/internal/logging"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "docserver WebSocket URL")
	docID := flag.String("doc", "", "document to join (required)")
	name := flag.String("name", "", "user name announced to other clients")
	color := flag.String("color", "", "user color announced to other clients")
	appendText := flag.String("append", "", "append a message with this content")
	role := flag.String("role", "user", "role of the appended message")
	toolOutput := flag.String("tool-output", "", "append a tool message folded from a JSON file of kernel output items")
	toolCallID := flag.String("tool-call-id", "", "tool call answered by -tool-output")
	save := flag.Bool("save", false, "save the document after editing")
	follow := flag.Bool("follow", false, "keep running and print changes until interrupted")
	timeout := flag.Duration("timeout", 10*time.Second, "connect and join timeout")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logging.Init(logging.Config{Level: *logLevel, Pretty: true, ServiceName: "replica"})
	log := logging.Component("replica")

	if *docID == "" {
		fmt.Fprintln(os.Stderr, "replica: -doc is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c, err := client.Dial(ctx, *url, client.Options{
		OnError: func(e *client.ServerError) {
			fmt.Fprintf(os.Stderr, "server error: %s (%s)\n", e.Message, e.Code)
		},
		OnRateLimited: func(d time.Duration) {
			fmt.Fprintf(os.Stderr, "rate limited, retry in %s\n", d)
		},
	})
	if err != nil {
		log.Fatal().Err(err).Str("url", *url).Msg("connect failed")
	}
	defer c.Close()

	var user *awareness.User
	if *name != "" {
		user = &awareness.User{Name: *name, Color: *color}
	}
	r, err := c.JoinDoc(ctx, *docID, user)
	if err != nil {
		log.Fatal().Err(err).Str(logging.FieldDocID, *docID).Msg("join failed")
	}
	log.Info().Str(logging.FieldDocID, *docID).Uint64(logging.FieldClientID, r.ClientID()).Msg("joined")

	printTranscript(r.Chat())

	if *appendText != "" {
		if err := r.AppendMessage(chat.Message{Role: *role, Content: *appendText}); err != nil {
			log.Fatal().Err(err).Msg("append failed")
		}
		fmt.Printf("appended %s message (%d total)\n", *role, r.Chat().Len())
	}
	if *toolOutput != "" {
		items, err := readOutputs(*toolOutput)
		if err != nil {
			log.Fatal().Err(err).Str("file", *toolOutput).Msg("reading kernel outputs failed")
		}
		if err := r.AppendMessage(kernel.ToolOutput(*toolCallID, items)); err != nil {
			log.Fatal().Err(err).Msg("append failed")
		}
		fmt.Printf("appended tool output with %d item(s)\n", len(items))
	}
	if *save {
		if err := waitSaved(r, *timeout); err != nil {
			log.Fatal().Err(err).Msg("save failed")
		}
		fmt.Println("saved")
	}

	if !*follow {
		if err := r.Leave(); err != nil {
			log.Warn().Err(err).Msg("leave failed")
		}
		return
	}

	r.Model().ContentChanged().Connect(func(t chat.Transcript) {
		fmt.Println("--- content changed")
		printTranscript(t)
	})
	r.Model().StateChanged().Connect(func(sc docmodel.StateChange) {
		fmt.Printf("--- %s: %v -> %v\n", sc.Name, sc.OldValue, sc.NewValue)
	})
	r.Model().ClientChanged().Connect(func(states map[uint64]awareness.State) {
		printPeers(r.ClientID(), states)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		_ = r.Leave()
	case <-c.Done():
		fmt.Fprintln(os.Stderr, "connection closed by server")
		os.Exit(1)
	}
}

// readOutputs loads a JSON array of kernel output items and checks each.
func readOutputs(path string) ([]kernel.OutputItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []kernel.OutputItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for i, item := range items {
		if err := item.Validate(); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}
	return items, nil
}

// waitSaved asks for a save and waits for the server to confirm it.
func waitSaved(r *client.Replica, timeout time.Duration) error {
	before := r.LastSave()
	if err := r.Save(); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.LastSave().After(before) {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("no save confirmation within %s", timeout)
}

func printTranscript(t chat.Transcript) {
	if t.Len() == 0 {
		fmt.Println("(empty chat)")
		return
	}
	for i := 0; i < t.Len(); i++ {
		m, err := t.Message(i)
		if err != nil {
			fmt.Printf("%3d  %s\n", i, t.Messages[i])
			continue
		}
		content := m.Content
		if content == nil && len(m.ToolCalls) > 0 {
			content = fmt.Sprintf("[calls %s]", m.ToolCalls[0].Function.Name)
		}
		fmt.Printf("%3d  %-9s %v\n", i, m.Role, content)
	}
}

func printPeers(self uint64, states map[uint64]awareness.State) {
	ids := make([]uint64, 0, len(states))
	for id := range states {
		if id != self {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fmt.Printf("--- %d peer(s)", len(ids))
	for _, id := range ids {
		if u := states[id].User; u != nil {
			fmt.Printf(" %s", u.Name)
		} else {
			fmt.Printf(" #%d", id)
		}
	}
	fmt.Println()
}
