package events

import "time"

// Options describe where session events are mirrored.
type Options struct {
	URL      string
	User     string
	Password string
	// SubjectPrefix prefixes "<prefix>.sessions.<sessionID>".
	SubjectPrefix string
	Stream        string
	MaxBytes      int64
	MaxAge        time.Duration
	DupeWindow    time.Duration
	// PublishTimeout bounds the wait for a JetStream ack.
	PublishTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.SubjectPrefix == "" {
		o.SubjectPrefix = "hpcconnect"
	}
	if o.Stream == "" {
		o.Stream = "HPCCONNECT_SESSIONS"
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 256 * 1024 * 1024 // 256MB
	}
	if o.MaxAge == 0 {
		o.MaxAge = 30 * 24 * time.Hour
	}
	if o.DupeWindow == 0 {
		o.DupeWindow = 2 * time.Minute
	}
	if o.PublishTimeout == 0 {
		o.PublishTimeout = 2 * time.Second
	}
}
