package redis

import (
	"context"
	"fmt"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/flowgate/internal/db"
)

// Commit wraps muts and INCR counter in MULTI/EXEC and returns the new
// counter value.
func (s *Store) Commit(ctx context.Context, counter string, muts ...db.Mutation) (int64, error) {
	for _, m := range muts {
		if err := m.Validate(); err != nil {
			return 0, err
		}
	}
	cmds := make(rueidis.Commands, 0, len(muts)+3)
	cmds = append(cmds, s.b().Multi().Build())
	for _, m := range muts {
		cmds = append(cmds, s.mutation(m))
	}
	cmds = append(cmds, s.b().Incr().Key(counter).Build(), s.b().Exec().Build())

	results := s.client.DoMulti(ctx, cmds...)
	for i, res := range results[:len(results)-1] {
		if err := res.Error(); err != nil {
			return 0, &db.Error{Op: db.OpCommit, Key: counter, Err: fmt.Errorf("command %d: %w", i, err)}
		}
	}
	replies, err := results[len(results)-1].ToArray()
	if rueidis.IsRedisNil(err) {
		return 0, &db.Error{Op: db.OpCommit, Key: counter, Err: db.ErrTxAborted}
	}
	if err != nil {
		return 0, &db.Error{Op: db.OpCommit, Key: counter, Err: err}
	}
	if len(replies) != len(muts)+1 {
		return 0, &db.Error{Op: db.OpCommit, Key: counter, Err: fmt.Errorf("%w: %d replies for %d commands",
			db.ErrTxAborted, len(replies), len(muts)+1)}
	}
	for i := range muts {
		if err := replies[i].Error(); err != nil {
			return 0, &db.Error{Op: db.OpCommit, Key: muts[i].Key, Err: err}
		}
	}
	rev, err := replies[len(replies)-1].AsInt64()
	if err != nil {
		return 0, &db.Error{Op: db.OpCommit, Key: counter, Err: err}
	}
	return rev, nil
}

func (s *Store) mutation(m db.Mutation) rueidis.Completed {
	switch {
	case m.Value != nil:
		return s.b().Set().Key(m.Key).Value(rueidis.BinaryString(m.Value)).Build()
	case len(m.Fields) > 0:
		cmd := s.b().Hset().Key(m.Key).FieldValue()
		for k, v := range m.Fields {
			cmd = cmd.FieldValue(k, v)
		}
		return cmd.Build()
	case len(m.Remove) > 0:
		return s.b().Hdel().Key(m.Key).Field(m.Remove...).Build()
	default:
		return s.b().Del().Key(m.Key).Build()
	}
}
