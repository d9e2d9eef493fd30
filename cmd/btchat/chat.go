package main

import (
	"context"
	"fmt"
	"strings"
)

const chatHelp = `commands: /list /close /closeall /scan /quit; anything else is sent to every peer`

// chat routes console lines until /quit, the end of input or ctx is done.
func (s *session) chat(ctx context.Context) {
	fmt.Fprintln(s.out, chatHelp)
	lines := s.prompter.Lines()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !s.command(ctx, line) {
				return
			}
		}
	}
}

// command handles one line and reports whether the chat continues.
func (s *session) command(ctx context.Context, line string) bool {
	switch {
	case line == "":
	case line == "/quit":
		return false
	case line == "/list":
		list := s.mgr.Connections()
		if len(list) == 0 {
			fmt.Fprintln(s.out, "no connections")
		}
		for _, c := range list {
			fmt.Fprintf(s.out, "  %s %s %s [%s]\n", c.ID, c.Role, c.Peer, c.State)
		}
	case line == "/close":
		s.mgr.CloseConnection()
	case line == "/closeall":
		fmt.Fprintf(s.out, "closed %d connection(s)\n", s.mgr.CloseAll())
	case line == "/scan":
		s.mgr.RequestPermission(ctx)
	case strings.HasPrefix(line, "/"):
		fmt.Fprintln(s.out, chatHelp)
	default:
		if n := s.mgr.BroadcastMessage(line); n == 0 {
			fmt.Fprintln(s.out, "not sent: no active connections")
		}
	}
	return true
}
