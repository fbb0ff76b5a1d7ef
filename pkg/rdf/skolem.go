package rdf

import (
	"strings"

	"github.com/google/uuid"
)

// NewSkolemBlankNode mints a blank node with a globally unique local
// name. Used wherever a template blank node must be instantiated fresh
// per solution — a CONSTRUCT template's `_:b` stands for a new node in
// every row, not one node shared across the whole result.
func NewSkolemBlankNode() *BlankNode {
	return &BlankNode{ID: "b" + strings.ReplaceAll(uuid.NewString(), "-", "")}
}
