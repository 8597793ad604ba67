// Package naming generates monotonic sequential container names per
// prefix, de-duplicated against both the database and the live runtime
// (§4.4). Grounded on app/services/naming.py's regex-based
// generate_container_name.
package naming

import (
	"context"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/krinkuto11/aceorchestrator/internal/runtime"
)

// DB is the minimal persistence contract naming needs: every container
// name on record, regardless of status.
type DB interface {
	ContainerNames(ctx context.Context) ([]string, error)
}

// Namer produces sequential names like "engine-3" or "acestream-7".
type Namer struct {
	db      DB
	runtime runtime.Adapter
}

// New builds a Namer over the given persistence and runtime collaborators.
func New(db DB, rt runtime.Adapter) *Namer {
	return &Namer{db: db, runtime: rt}
}

// NextName returns "<prefix>-<n>" where n is one greater than the highest
// suffix found for prefix across the database and (best-effort) the live
// runtime. Runtime lookup failure degrades to DB-only; it never blocks
// naming on a runtime error (§4.4).
func (n *Namer) NextName(ctx context.Context, prefix string) (string, error) {
	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + `-(\d+)$`)

	max := 0
	names, err := n.db.ContainerNames(ctx)
	if err != nil {
		return "", err
	}
	for _, name := range names {
		if m := pattern.FindStringSubmatch(name); m != nil {
			if v, err := strconv.Atoi(m[1]); err == nil && v > max {
				max = v
			}
		}
	}

	if n.runtime != nil {
		views, err := n.runtime.ListAll(ctx)
		if err != nil {
			logrus.WithError(err).Debug("naming: runtime lookup failed, falling back to DB-only")
		} else {
			for _, v := range views {
				if m := pattern.FindStringSubmatch(v.Name); m != nil {
					if val, err := strconv.Atoi(m[1]); err == nil && val > max {
						max = val
					}
				}
			}
		}
	}

	return prefix + "-" + strconv.Itoa(max+1), nil
}
