package render

import (
	"bytes"
	"fmt"

	gosiplog "github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"

	"firestige.xyz/wirecheck/internal/log"
)

// SIPParser recognises SIP messages in application payloads.
type SIPParser struct {
	delegate *parser.PacketParser
}

func NewSIPParser() *SIPParser {
	return &SIPParser{
		delegate: parser.NewPacketParser(&loggerAdapter{logger: log.GetLogger()}),
	}
}

// Parse returns the message when data starts with a SIP request or status
// line and parses completely.
func (p *SIPParser) Parse(data []byte) (sip.Message, bool) {
	if !looksLikeSIP(data) {
		return nil, false
	}
	msg, err := p.delegate.ParseMessage(data)
	if err != nil {
		log.GetLogger().WithError(err).Debug("payload is not a SIP message")
		return nil, false
	}
	return msg, true
}

func looksLikeSIP(data []byte) bool {
	end := bytes.IndexByte(data, '\n')
	if end < 0 {
		return false
	}
	first := bytes.TrimRight(data[:end], "\r")
	return bytes.HasPrefix(first, []byte("SIP/2.0 ")) || bytes.HasSuffix(first, []byte(" SIP/2.0"))
}

func sipLayer(b *builder, msg sip.Message) {
	b.header("SIP")
	switch m := msg.(type) {
	case sip.Request:
		b.field("Request-Line", msg.StartLine())
		b.field("Method", string(m.Method()))
		b.field("Request-URI", m.Recipient())
	case sip.Response:
		b.field("Status-Line", msg.StartLine())
		b.field("Status-Code", int(m.StatusCode()))
		b.field("Reason", m.Reason())
	}
	for _, h := range msg.Headers() {
		b.field(h.Name(), h.Value())
	}
	if body := msg.Body(); body != "" {
		b.field("Body-Length", len(body))
	}
}

// loggerAdapter routes gosip's parser logging into the application logger.
type loggerAdapter struct {
	logger log.Logger
	prefix string
	fields gosiplog.Fields
}

func (la *loggerAdapter) Fields() gosiplog.Fields {
	return la.fields
}

func (la *loggerAdapter) WithFields(fields map[string]interface{}) gosiplog.Logger {
	merged := make(gosiplog.Fields, len(la.fields)+len(fields))
	for k, v := range la.fields {
		merged[k] = v
	}
	l := la.logger
	for k, v := range fields {
		merged[k] = v
		l = l.WithField(k, v)
	}
	return &loggerAdapter{logger: l, prefix: la.prefix, fields: merged}
}

func (la *loggerAdapter) Prefix() string {
	return la.prefix
}

func (la *loggerAdapter) WithPrefix(prefix string) gosiplog.Logger {
	return &loggerAdapter{logger: la.logger.WithField("prefix", prefix), prefix: prefix, fields: la.fields}
}

func (la *loggerAdapter) Print(args ...interface{})                 { la.logger.Info(args...) }
func (la *loggerAdapter) Printf(format string, args ...interface{}) { la.logger.Infof(format, args...) }
func (la *loggerAdapter) Trace(args ...interface{})                 { la.logger.Trace(args...) }
func (la *loggerAdapter) Tracef(format string, args ...interface{}) { la.logger.Tracef(format, args...) }
func (la *loggerAdapter) Debug(args ...interface{})                 { la.logger.Debug(args...) }
func (la *loggerAdapter) Debugf(format string, args ...interface{}) { la.logger.Debugf(format, args...) }
func (la *loggerAdapter) Info(args ...interface{})                  { la.logger.Info(args...) }
func (la *loggerAdapter) Infof(format string, args ...interface{})  { la.logger.Infof(format, args...) }
func (la *loggerAdapter) Warn(args ...interface{})                  { la.logger.Warn(args...) }
func (la *loggerAdapter) Warnf(format string, args ...interface{})  { la.logger.Warnf(format, args...) }
func (la *loggerAdapter) Error(args ...interface{})                 { la.logger.Error(args...) }
func (la *loggerAdapter) Errorf(format string, args ...interface{}) { la.logger.Errorf(format, args...) }

// Fatal and Panic from a parser must not take the process down.
func (la *loggerAdapter) Fatal(args ...interface{}) { la.logger.Error(args...) }
func (la *loggerAdapter) Fatalf(format string, args ...interface{}) {
	la.logger.Errorf(format, args...)
}
func (la *loggerAdapter) Panic(args ...interface{}) { la.logger.Error(args...) }
func (la *loggerAdapter) Panicf(format string, args ...interface{}) {
	la.logger.Errorf(format, args...)
}

func (la *loggerAdapter) SetLevel(level uint32) {
	la.logger.WithField("level", fmt.Sprint(level)).Trace("gosip log level change ignored")
}
