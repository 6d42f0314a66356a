package docdb

import (
	"strings"
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name            string
		existing        Etag
		checkForUpdates bool
		want            decision
		conflict        bool
	}{
		{"absent", NoEtag, false, decision{Accept: true}, false},
		{"absent with updates", NoEtag, true, decision{Accept: true}, false},
		{"exists with updates", 7, true, decision{Accept: true, Overwrite: true, Supersedes: 7}, false},
		{"exists without updates", 7, false, decision{}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := resolve("foos/1", tc.existing, tc.checkForUpdates)
			conflict := d.Conflict
			d.Conflict = nil
			deepEqual(t, d, tc.want)
			if !tc.conflict {
				isnil(t, conflict)
				return
			}
			isnonnil(t, conflict)
			deepEqual(t, conflict.Key, "foos/1")
			deepEqual(t, conflict.Actual, Etag(7))
			if !strings.Contains(conflict.Error(), "foos/1") {
				t.Errorf("** conflict message %q does not mention the key", conflict.Error())
			}
		})
	}
}
