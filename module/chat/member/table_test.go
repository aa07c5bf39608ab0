package member

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJoinIsIdempotent(t *testing.T) {
	tab := NewMemTable()
	ctx := context.Background()

	created, err := tab.Join(ctx, "c1", "u1", RoleMember, 7)
	require.NoError(t, err)
	require.True(t, created)

	// 重复 join：no-op，不是错误，也不动游标
	created, err = tab.Join(ctx, "c1", "u1", RoleAdmin, 99)
	require.NoError(t, err)
	require.False(t, created)

	cur, err := tab.Cursor(ctx, "c1", "u1")
	require.NoError(t, err)
	require.Equal(t, uint64(7), cur)

	members, err := tab.Members(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, RoleMember, members[0].Role)
}

func TestAckSequenceMonotonic(t *testing.T) {
	tab := NewMemTable()
	ctx := context.Background()
	_, err := tab.Join(ctx, "c1", "u1", RoleMember, 0)
	require.NoError(t, err)

	require.NoError(t, tab.AckSequence(ctx, "c1", "u1", 5))
	// 乱序到达的旧 ack 被吞掉
	require.NoError(t, tab.AckSequence(ctx, "c1", "u1", 3))

	cur, err := tab.Cursor(ctx, "c1", "u1")
	require.NoError(t, err)
	require.Equal(t, uint64(5), cur)

	require.NoError(t, tab.AckSequence(ctx, "c1", "u1", 9))
	cur, _ = tab.Cursor(ctx, "c1", "u1")
	require.Equal(t, uint64(9), cur)
}

func TestLeaveThenRejoinResetsCursor(t *testing.T) {
	tab := NewMemTable()
	ctx := context.Background()

	_, err := tab.Join(ctx, "c1", "u1", RoleMember, 0)
	require.NoError(t, err)
	require.NoError(t, tab.AckSequence(ctx, "c1", "u1", 40))

	require.NoError(t, tab.Leave(ctx, "c1", "u1"))
	ok, err := tab.IsMember(ctx, "c1", "u1")
	require.NoError(t, err)
	require.False(t, ok)

	// 重新入群，游标取入群时刻的频道 seq，不回看离开期间的历史
	created, err := tab.Join(ctx, "c1", "u1", RoleMember, 100)
	require.NoError(t, err)
	require.True(t, created)

	cur, err := tab.Cursor(ctx, "c1", "u1")
	require.NoError(t, err)
	require.Equal(t, uint64(100), cur)
}

func TestCursorOfNonMemberIsZero(t *testing.T) {
	tab := NewMemTable()
	cur, err := tab.Cursor(context.Background(), "c1", "ghost")
	require.NoError(t, err)
	require.Equal(t, uint64(0), cur)
}

func TestMembersSortedAndIsolatedByChannel(t *testing.T) {
	tab := NewMemTable()
	ctx := context.Background()
	for _, u := range []string{"zoe", "amy", "bob"} {
		_, err := tab.Join(ctx, "c1", u, RoleMember, 0)
		require.NoError(t, err)
	}
	_, err := tab.Join(ctx, "c2", "eve", RoleOwner, 0)
	require.NoError(t, err)

	members, err := tab.Members(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, members, 3)
	require.Equal(t, "amy", members[0].UserID)
	require.Equal(t, "zoe", members[2].UserID)

	ok, _ := tab.IsMember(ctx, "c1", "eve")
	require.False(t, ok)
}
