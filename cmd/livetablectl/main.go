// Command livetablectl is a thin interactive admin client: it opens
// one websocket session against a running livetabled and lets an
// operator type query-DSL lines at a prompt, printing back whatever
// result/error/change frame comes back. The query language and wire
// protocol are in scope; the REPL shell around them is not (spec.md
// §1 Non-goals) — this exists only to give something a driver.
//
// Grounded on hazyhaar-GoClode's ui.Chat: a readline.Instance prompt
// loop with history, Ctrl-C-to-continue / EOF-to-exit handling,
// adapted here from a local LLM chat loop to a remote request/reply
// frame loop over one long-lived connection.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync/atomic"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"

	"github.com/livetable/livetable/internal/session"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "livetabled host:port")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to %s: %v\n", u.String(), err)
		os.Exit(1)
	}
	defer conn.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mlivetable>\033[0m ",
		HistoryFile:     "/tmp/.livetablectl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	go readFrames(conn)

	var seq int64
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				return
			}
			fmt.Fprintf(os.Stderr, "readline: %v\n", err)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}

		id := fmt.Sprintf("ctl-%d", atomic.AddInt64(&seq, 1))
		frameType := session.FrameQuery
		if strings.Contains(line, ".changes(") {
			frameType = session.FrameSubscribe
		}

		f := session.Frame{ID: id, Type: frameType, Query: line}
		if err := conn.WriteJSON(f); err != nil {
			fmt.Fprintf(os.Stderr, "write: %v\n", err)
			return
		}
	}
}

func readFrames(conn *websocket.Conn) {
	for {
		var f session.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		printFrame(f)
	}
}

func printFrame(f session.Frame) {
	switch f.Type {
	case session.FrameResult:
		fmt.Printf("%s\n", prettyJSON(f.Result))
	case session.FrameError:
		fmt.Printf("error[%s]: %s\n", f.Error.Kind, f.Error.Message)
	case session.FrameSubscribed:
		fmt.Printf("subscribed: %s\n", f.SubscriptionID)
	case session.FrameUnsubscribed:
		fmt.Printf("unsubscribed: %s\n", f.SubscriptionID)
	case session.FrameChange:
		if f.Change.Overrun {
			fmt.Printf("change[%s]: overrun, deliveries were dropped\n", f.ID)
			return
		}
		switch f.Change.Type {
		case "delete":
			fmt.Printf("change[%s] %s: %s\n", f.ID, f.Change.Type, prettyJSON(f.Change.Old))
		default:
			fmt.Printf("change[%s] %s: %s\n", f.ID, f.Change.Type, prettyJSON(f.Change.New))
		}
	case session.FramePong:
	default:
		fmt.Printf("%s\n", prettyJSON(mustMarshal(f)))
	}
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return string(raw)
	}
	return out.String()
}

func mustMarshal(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
