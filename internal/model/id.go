package model

import (
	"fmt"
	"strings"

	"go.jetify.com/typeid/v2"
)

// ID prefixes. Every identifier is a K-sortable TypeID in the form "prefix_suffix".
const (
	PrefixJob         = "job"
	PrefixFile        = "file"
	PrefixReservation = "rsv"
	PrefixAudit       = "aud"
)

// NewID generates a new identifier with the given prefix.
// It panics on an invalid prefix, which is a programming error.
func NewID(prefix string) string {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("model: invalid id prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// HasPrefix reports whether id was generated with prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}
