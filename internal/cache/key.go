package cache

import (
	"fmt"

	"github.com/opencontainers/go-digest"
)

// Key derives the cache key for one instruction: a digest over the
// parent layer digest (which transitively pins the whole chain below),
// the instruction's canonical text, and the values of the build args the
// instruction actually references, in reference order. Instructions
// whose effect depends on inputs outside the instruction text, such as
// COPY sources or the env/workdir/user state a RUN executes under,
// contribute extra fingerprint lines so a change there misses instead
// of replaying a stale layer. Metadata instructions never produce a
// layer and so never move the parent digest; without the extras their
// effects would be invisible to the key. Two builds with the same key
// are guaranteed the same resulting layer.
func Key(parent digest.Digest, canonical string, argNames []string, argValues map[string]string, extras ...string) digest.Digest {
	d := digest.Canonical.Digester()
	h := d.Hash()

	fmt.Fprintf(h, "parent:%s\n", parent)
	fmt.Fprintf(h, "instruction:%s\n", canonical)
	for _, name := range argNames {
		fmt.Fprintf(h, "arg:%s=%s\n", name, argValues[name])
	}
	for _, extra := range extras {
		fmt.Fprintf(h, "input:%s\n", extra)
	}

	return d.Digest()
}
