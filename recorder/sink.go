package recorder

import (
	"time"

	"babel/playback"
	"babel/transport"
)

// Sink abstracts the display layer. Calls come from several goroutines
// and must not block.
type Sink interface {
	State(s State)
	Connection(s transport.State)
	Level(level float64)
	Tick(elapsed time.Duration)
	Result(e playback.Entry)
	Error(err error)
	TranslationStopped()
}

// NopSink discards everything. Embed it to implement part of Sink.
type NopSink struct{}

func (NopSink) State(State)                {}
func (NopSink) Connection(transport.State) {}
func (NopSink) Level(float64)              {}
func (NopSink) Tick(time.Duration)         {}
func (NopSink) Result(playback.Entry)      {}
func (NopSink) Error(error)                {}
func (NopSink) TranslationStopped()        {}
