package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/linguaflow/internal/app"
	"github.com/MrWong99/linguaflow/internal/session"
	"github.com/MrWong99/linguaflow/internal/transcript"
)

// errQuit ends the run loop when the user types "quit".
var errQuit = errors.New("quit")

// sessionControl is the part of [app.SessionManager] the console drives.
type sessionControl interface {
	Start(ctx context.Context, language, topic string) error
	Resume(ctx context.Context) error
	Stop() error
	Info() app.SessionInfo
}

// console prints session events and turns typed lines into session
// commands. Writes are serialised because events arrive on the session
// manager's goroutine while commands echo from the input loop.
type console struct {
	mu  sync.Mutex
	out io.Writer

	// tutor returns the display name for remote turns. May be nil.
	tutor func() string
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// handle renders one session event.
func (c *console) handle(ev session.Event) {
	switch ev.Kind {
	case session.EventSessionOpened:
		c.printf("● connected (session %s)\n", ev.SessionID)
	case session.EventSessionClosed:
		if ev.Reason == session.ReasonConnectionLost {
			c.printf("✖ connection lost; type 'resume' to continue\n")
		} else {
			c.printf("■ session ended\n")
		}
	case session.EventTurn:
		c.printf("%s: %s\n", c.speakerName(ev.Turn.Speaker), ev.Turn.Text)
	case session.EventError:
		c.printf("! %s: %v\n", ev.ErrKind, ev.Err)
	}
}

func (c *console) speakerName(s transcript.Speaker) string {
	if s == transcript.SpeakerRemote {
		if c.tutor != nil {
			if name := c.tutor(); name != "" {
				return name
			}
		}
		return "Tutor"
	}
	return "You"
}

// commandLoop reads commands from in until ctx is done, in reaches EOF, or
// the user quits. EOF is not an error: the session keeps running until ctx
// is cancelled.
func (c *console) commandLoop(ctx context.Context, in io.Reader, sc sessionControl) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return ctx.Err()
			}
			if err := c.exec(ctx, line, sc); err != nil {
				return err
			}
		}
	}
}

// exec runs one command line. Only quit returns an error; command failures
// are printed.
func (c *console) exec(ctx context.Context, line string, sc sessionControl) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	var err error
	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		return errQuit
	case "stop":
		err = sc.Stop()
	case "resume":
		err = sc.Resume(ctx)
	case "start":
		if len(fields) != 3 {
			c.printf("usage: start <language> <topic>\n")
			return nil
		}
		err = sc.Start(ctx, fields[1], fields[2])
	case "status":
		info := sc.Info()
		c.printf("state=%s language=%s topic=%q turns=%d\n", info.State, info.Language, info.Topic, info.Turns)
		if info.LastError != "" {
			c.printf("last error: %s\n", info.LastError)
		}
	default:
		c.printf("unknown command %q (stop, resume, start, status, quit)\n", fields[0])
	}
	if err != nil {
		c.printf("%s failed: %v\n", fields[0], err)
	}
	return nil
}
