package suplog

import (
	"strings"

	"github.com/dogmatiq/dodeca/logging"
)

// Prefixed returns a logger that prefixes every message with an icon and a
// supervisor ID, scoping the tree instance's log output.
func Prefixed(target logging.Logger, icon Icon, id string) logging.Logger {
	prefix := icon.WithID(id).String() + "  "

	return &prefixer{
		target,
		prefix,
		strings.ReplaceAll(prefix, "%", "%%"),
	}
}

type prefixer struct {
	target logging.Logger
	prefix string
	format string
}

func (p *prefixer) Log(fmt string, v ...interface{}) {
	p.target.Log(p.format+fmt, v...)
}

func (p *prefixer) LogString(s string) {
	p.target.LogString(p.prefix + s)
}

func (p *prefixer) Debug(fmt string, v ...interface{}) {
	p.target.Debug(p.format+fmt, v...)
}

func (p *prefixer) DebugString(s string) {
	p.target.DebugString(p.prefix + s)
}

func (p *prefixer) IsDebug() bool {
	return p.target.IsDebug()
}
