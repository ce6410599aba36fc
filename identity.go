package ochat

import (
	"sort"
	"strconv"
	"strings"
)

// Identity is the deduplication key of a message. Two messages with equal
// identity are the same chat utterance.
type Identity string

// IdentityFunc derives an Identity from a message.
type IdentityFunc func(Message) Identity

// IdentityOf combines the trimmed text, the sender role and the timestamp
// floored to the second. The backend echoes a sent message back with its own
// timestamp, so exact timestamps cannot be compared.
func IdentityOf(m Message) Identity {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(int64(m.Timestamp.Bucket()), 10))
	if m.IsCreator {
		b.WriteString("|c|")
	} else {
		b.WriteString("|a|")
	}
	b.WriteString(strings.TrimSpace(m.Text))
	return Identity(b.String())
}

// Fold deduplicates msgs by IdentityOf and sorts the result by timestamp.
func Fold(msgs []Message) []Message {
	return FoldBy(msgs, IdentityOf)
}

// FoldBy groups msgs by id, keeps the entry with the largest timestamp from
// each group and returns the survivors in ascending timestamp order. The
// result does not depend on input order and FoldBy(FoldBy(x)) == FoldBy(x).
//
// The survivor wins outright, with one exception: if any member of the group
// is confirmed, so is the survivor.
func FoldBy(msgs []Message, id IdentityFunc) []Message {
	out := make([]Message, 0, len(msgs))
	if len(msgs) == 0 {
		return out
	}

	index := make(map[Identity]int, len(msgs))
	keys := make([]Identity, 0, len(msgs))
	status := make([]MessageStatus, 0, len(msgs))
	for _, m := range msgs {
		k := id(m)
		i, ok := index[k]
		if !ok {
			index[k] = len(out)
			out = append(out, m)
			keys = append(keys, k)
			status = append(status, m.Status)
			continue
		}
		status[i] = minStatus(status[i], m.Status)
		if supersedes(m, out[i]) {
			out[i] = m
		}
	}
	for i := range out {
		out[i].Status = status[i]
	}

	order := make([]int, len(out))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ma, mb := out[order[a]], out[order[b]]
		if ma.Timestamp != mb.Timestamp {
			return ma.Timestamp < mb.Timestamp
		}
		return keys[order[a]] < keys[order[b]]
	})

	sorted := make([]Message, len(out))
	for i, j := range order {
		sorted[i] = out[j]
	}
	return sorted
}

// supersedes reports whether a should replace b within one identity group.
// Equal timestamps fall through to a total order over the payload so that
// the outcome never depends on which copy was seen first. Status takes no
// part: it is aggregated separately and may already have been by an
// earlier fold.
func supersedes(a, b Message) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return payloadKey(a) < payloadKey(b)
}

func payloadKey(m Message) string {
	var b strings.Builder
	b.WriteString(m.Text)
	b.WriteByte(0)
	b.WriteString(string(m.ID))
	b.WriteByte(0)
	b.WriteString(m.Image)
	b.WriteByte(0)
	if r := m.ReplyTo; r != nil {
		b.WriteString(string(r.ID))
		b.WriteByte(0)
		b.WriteString(r.Text)
		b.WriteByte(0)
		b.WriteString(strconv.FormatBool(r.IsCreator))
		b.WriteString(strconv.FormatBool(r.HasImage))
	}
	return b.String()
}

func minStatus(a, b MessageStatus) MessageStatus {
	if a == StatusConfirmed || b == StatusConfirmed {
		return StatusConfirmed
	}
	if a < b {
		return a
	}
	return b
}
