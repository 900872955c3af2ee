package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 250 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// isTerminal is replaced in tests.
var isTerminal = func(f *os.File) bool { return term.IsTerminal(int(f.Fd())) }

// ProgressPrinter shows a countdown for a scan window on a terminal.
//
// Usage:
//
//	p := newProgress(os.Stderr, "Scanning", window)
//	p.Start()
//	defer p.Stop()
//
// On anything that is not a terminal Start and Stop do nothing, so log
// files and pipes never receive carriage returns.
type ProgressPrinter struct {
	out      io.Writer
	prefix   string
	duration time.Duration
	enabled  bool

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func newProgress(out *os.File, prefix string, duration time.Duration) *ProgressPrinter {
	return &ProgressPrinter{
		out:      out,
		prefix:   prefix,
		duration: duration,
		enabled:  isTerminal(out),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the countdown in a background goroutine.
func (p *ProgressPrinter) Start() {
	if !p.enabled {
		close(p.done)
		return
	}
	start := time.Now()
	ticker := time.NewTicker(progressUpdateInterval)

	go func() {
		defer close(p.done)
		defer ticker.Stop()
		for {
			remaining := p.duration - time.Since(start)
			if remaining < 0 {
				remaining = 0
			}
			// Round to the nearest second
			fmt.Fprintf(p.out, "\r%s (%ds remaining)   ", p.prefix, int(remaining.Seconds()+0.5))
			select {
			case <-p.stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends the countdown and clears the line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	p.once.Do(func() {
		close(p.stop)
		<-p.done
		if p.enabled {
			fmt.Fprint(p.out, clearLineSequence)
		}
	})
}
