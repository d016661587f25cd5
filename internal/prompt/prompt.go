// Package prompt implements the Interactive Prompter (spec component E): a
// dedicated worker reached only through two unidirectional channels, so
// the UI never reenters resolver state directly.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/buildshim/storefuse/internal/storepath"
	"github.com/mattn/go-isatty"
)

// SearchRequest is one UserRequest: a candidate list plus the resolver's
// suggested head-of-list pick, and the channel to deliver the reply on.
type SearchRequest struct {
	Candidates []storepath.Candidate
	Suggested  storepath.Candidate
	reply      chan Reply
}

// Reply is one FsEventMessage.
type Reply struct {
	// Chosen is valid only when Ignore is false.
	Chosen storepath.Candidate
	Ignore bool
}

// Prompter runs on its own goroutine, serving requests FIFO from a single
// channel so user-visible prompts are strictly serialized even when many
// kernel lookups are blocked waiting on it concurrently.
type Prompter struct {
	automatic bool
	in        io.Reader
	out       io.Writer
	requests  chan SearchRequest
	quit      chan struct{}
	done      chan struct{}
}

// New builds a Prompter. automatic forces PackageSuggestion(suggested) for
// every request without reading any input. If automatic is false but in is
// not a terminal, the Prompter still degrades to automatic mode per
// request, since there is no user present to answer a numbered prompt.
func New(automatic bool, in io.Reader, out io.Writer) *Prompter {
	return &Prompter{
		automatic: automatic,
		in:        in,
		out:       out,
		requests:  make(chan SearchRequest),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// isInteractive reports whether in looks like a real terminal the Prompter
// can read a numbered choice from.
func isInteractive(in io.Reader) bool {
	f, ok := in.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Run serves requests until Quit is called or the request channel is
// closed. It is meant to be run on its own goroutine; callers block on
// Search, never call Run themselves from the FS-serving path.
func (p *Prompter) Run() {
	defer close(p.done)
	reader := bufio.NewReader(p.in)
	interactive := !p.automatic && isInteractive(p.in)
	for {
		select {
		case <-p.quit:
			p.drain()
			return
		case req, ok := <-p.requests:
			if !ok {
				return
			}
			if !interactive {
				req.reply <- Reply{Chosen: req.Suggested}
				continue
			}
			req.reply <- p.ask(reader, req)
		}
	}
}

func (p *Prompter) ask(reader *bufio.Reader, req SearchRequest) Reply {
	for {
		fmt.Fprintln(p.out, "multiple packages can provide this file:")
		for i, c := range req.Candidates {
			fmt.Fprintf(p.out, "  %d) %s\n", i+1, c.Store.Origin.AttrName)
		}
		fmt.Fprintf(p.out, "choose [1-%d, n to skip]: ", len(req.Candidates))

		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return Reply{Ignore: true}
		}
		line = strings.TrimSpace(line)
		if line == "" || line == "n" || line == "no" {
			return Reply{Ignore: true}
		}
		n, err := strconv.Atoi(line)
		if err != nil || n < 1 || n > len(req.Candidates) {
			fmt.Fprintln(p.out, "unrecognized choice, try again")
			continue
		}
		return Reply{Chosen: req.Candidates[n-1]}
	}
}

// drain replies IgnorePendingRequests to every request still queued,
// unblocking any lookup stuck in step 7 after a Quit.
func (p *Prompter) drain() {
	for {
		select {
		case req := <-p.requests:
			req.reply <- Reply{Ignore: true}
		default:
			return
		}
	}
}

// Search sends an InteractiveSearch message and blocks for the reply. It is
// the only method the resolver's lookup path calls; it must never be
// invoked while holding the resolver's state mutex, since Run may be slow
// to service a human.
func (p *Prompter) Search(candidates []storepath.Candidate, suggested storepath.Candidate) (Reply, error) {
	req := SearchRequest{Candidates: candidates, Suggested: suggested, reply: make(chan Reply, 1)}
	select {
	case p.requests <- req:
	case <-p.done:
		return Reply{}, ErrChannelBroken
	}
	select {
	case r := <-req.reply:
		return r, nil
	case <-p.done:
		return Reply{}, ErrChannelBroken
	}
}

// Quit terminates the worker. Any request still in flight is answered with
// IgnorePendingRequests rather than left hanging.
func (p *Prompter) Quit() {
	close(p.quit)
	<-p.done
}

// ErrChannelBroken signals that the prompter worker died or was torn down
// while a Search was still outstanding — fatal to the resolver per spec §7.
var ErrChannelBroken = channelBrokenError{}

type channelBrokenError struct{}

func (channelBrokenError) Error() string { return "prompt: worker channel closed" }
