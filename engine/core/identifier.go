package core

import (
	"fmt"

	"github.com/google/uuid"
)

// NewResourceName returns a unique debug name such as "buffer-<uuid>".
func NewResourceName(kind string) string {
	return fmt.Sprintf("%s-%s", kind, uuid.New().String())
}

// NameOr returns name, or a generated one for kind when name is empty.
func NameOr(name, kind string) string {
	if name != "" {
		return name
	}
	return NewResourceName(kind)
}
