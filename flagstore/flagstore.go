// Per-key string flag sets. Used to remember which moderation actions a guild has already enacted against a user.
//
// Includes an interface and implementations using redis and in-process memory.
package flagstore

import (
	"context"
)

type FlagStore interface {
	Get(ctx context.Context, key string) ([]string, error)
	Add(ctx context.Context, key string, flags []string) error
	// does not error if flags not in set
	Remove(ctx context.Context, key string, flags []string) error
}
