// Package console implements the terminal side of btchat: a line router
// over stdin, an event printer and the interactive pickers the connection
// manager asks for answers.
package console

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Asker poses a question and reports the answer line once.
type Asker interface {
	Ask(prompt string, answer func(line string))
}

// Writer serialises writes from concurrent goroutines.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w. A *Writer is returned unchanged.
func NewWriter(w io.Writer) *Writer {
	if cw, ok := w.(*Writer); ok {
		return cw
	}
	return &Writer{w: w}
}

func (c *Writer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Write(p)
}

type question struct {
	prompt string
	answer func(string)
}

// Prompter owns an input stream. Each line answers the oldest pending
// question; lines read while nothing is pending go to Lines.
type Prompter struct {
	in  io.Reader
	out *Writer

	mu      sync.Mutex
	pending []question

	lines chan string
}

// NewPrompter returns a Prompter reading in and printing prompts to out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{
		in:    in,
		out:   NewWriter(out),
		lines: make(chan string, 16),
	}
}

// Lines returns the chat lines. The channel is closed when input ends.
func (p *Prompter) Lines() <-chan string { return p.lines }

// Ask queues a question. The prompt is printed when the question reaches
// the head of the queue. answer runs on the reading goroutine and receives
// the trimmed line, or "" if input ends first.
func (p *Prompter) Ask(prompt string, answer func(line string)) {
	p.mu.Lock()
	p.pending = append(p.pending, question{prompt: prompt, answer: answer})
	head := len(p.pending) == 1
	p.mu.Unlock()
	if head {
		fmt.Fprint(p.out, prompt)
	}
}

// Pending returns the number of unanswered questions.
func (p *Prompter) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Run reads lines until the input ends.
func (p *Prompter) Run() {
	defer close(p.lines)
	sc := bufio.NewScanner(p.in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if q, ok := p.pop(); ok {
			q.answer(line)
			continue
		}
		p.lines <- line
	}
	for {
		q, ok := p.pop()
		if !ok {
			return
		}
		q.answer("")
	}
}

// pop removes the head question and prints the next prompt, if any.
func (p *Prompter) pop() (question, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return question{}, false
	}
	q := p.pending[0]
	p.pending = p.pending[1:]
	if len(p.pending) > 0 {
		fmt.Fprint(p.out, p.pending[0].prompt)
	}
	return q, true
}
