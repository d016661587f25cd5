// Package popularity implements the Popularity Oracle (spec component C): a
// read-only mapping from attribute name to an install-count popularity
// score, used as the ranking key for candidates (higher scores first).
package popularity

import (
	"bufio"
	"io/ioutil"
	"os"
	"strconv"
	"strings"
)

// Oracle answers popularity queries. The zero value is a valid, empty
// Oracle: every attribute scores 0.
type Oracle struct {
	counts map[string]int64
}

// Load reads a flat "attrName\tcount" TSV from path. A missing file is not
// an error: ranking is a quality-of-life ordering, not a correctness
// dependency, so Load returns an empty Oracle rather than failing the
// caller's startup.
func Load(path string) (*Oracle, error) {
	if path == "" {
		return &Oracle{counts: map[string]int64{}}, nil
	}
	b, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Oracle{counts: map[string]int64{}}, nil
		}
		return nil, err
	}
	return parse(b)
}

func parse(b []byte) (*Oracle, error) {
	counts := make(map[string]int64)
	sc := bufio.NewScanner(strings.NewReader(string(b)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 2 {
			continue
		}
		n, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		counts[fields[0]] = n
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return &Oracle{counts: counts}, nil
}

// Score returns attrName's popularity, or 0 if it is unknown to the oracle.
// An unknown attribute is never treated as an error: new packages rank
// as if their count were 0, never as invalid.
func (o *Oracle) Score(attrName string) int64 {
	if o == nil || o.counts == nil {
		return 0
	}
	return o.counts[attrName]
}
