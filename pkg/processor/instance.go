package processor

import "go.jetify.com/typeid"

// NewInstanceID mints a unique identity for this engine instance, used
// to stamp leader ownership on progress rows.
func NewInstanceID() string {
	tid, err := typeid.WithPrefix("instance")
	if err != nil {
		tid, _ = typeid.WithPrefix("i")
	}
	return tid.String()
}
