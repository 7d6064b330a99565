package main

import (
	"fmt"
	"sync"
	"time"

	"babel/playback"
	"babel/recorder"
	"babel/transport"

	tea "github.com/charmbracelet/bubbletea"
)

// programSink forwards controller, queue and health notifications to
// the TUI program. Anything sent before attach is dropped.
type programSink struct {
	mu sync.Mutex
	p  *tea.Program
}

var _ recorder.Sink = (*programSink)(nil)

func (s *programSink) attach(p *tea.Program) {
	s.mu.Lock()
	s.p = p
	s.mu.Unlock()
}

func (s *programSink) send(msg tea.Msg) {
	s.mu.Lock()
	p := s.p
	s.mu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

func (s *programSink) State(st recorder.State)       { s.send(stateMsg{st}) }
func (s *programSink) Connection(st transport.State) { s.send(connMsg{st}) }
func (s *programSink) Level(l float64)               { s.send(levelMsg(l)) }
func (s *programSink) Tick(d time.Duration)          { s.send(elapsedMsg(d)) }
func (s *programSink) Result(e playback.Entry)       { s.send(resultMsg{e}) }
func (s *programSink) Error(err error)               { s.send(errorMsg{err}) }
func (s *programSink) TranslationStopped()           { s.send(stoppedMsg{}) }

func (s *programSink) Reachable(ok bool)        { s.send(reachMsg(ok)) }
func (s *programSink) Playing(e playback.Entry) { s.send(playingMsg{e.Seq}) }
func (s *programSink) Idle()                    { s.send(playingMsg{}) }

func (s *programSink) PlaybackFailed(e playback.Entry, err error) {
	s.send(errorMsg{fmt.Errorf("playback of #%d: %w", e.Seq, err)})
}
