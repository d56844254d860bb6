package indexer

import (
	"io"
	"iter"

	"github.com/rs/zerolog"

	"github.com/snapetech/xcdiscovery/internal/catalog"
)

// ParseEPG is the XMLTV extension point. It returns a finite, lazy sequence of
// programme/channel records read from r; XMLTV parsing is not implemented yet,
// so the sequence is always empty and r is left unread.
func ParseEPG(r io.Reader, log zerolog.Logger) iter.Seq[catalog.Record] {
	return func(yield func(catalog.Record) bool) {
		log.Info().Str("source", "xmltv").Msg("epg parsing not implemented; yielding no records")
	}
}
