package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestXORDistanceEqualKeysIsZero(t *testing.T) {
	k := ToRoutingKey([]byte("peer-a"))
	assert.Equal(t, 0, XORDistance(k, k).Sign())
}

func TestCommonPrefixLenEqualKeys(t *testing.T) {
	k := ToRoutingKey([]byte("peer-a"))
	assert.Equal(t, 8*KeySize, CommonPrefixLen(k, k))
}

func TestCommonPrefixLenDiffersAtFirstBit(t *testing.T) {
	var a, b Key
	a[0] = 0b00000000
	b[0] = 0b10000000
	assert.Equal(t, 0, CommonPrefixLen(a, b))
}

func TestCommonPrefixLenDiffersMidByte(t *testing.T) {
	var a, b Key
	a[1] = 0b00001111
	b[1] = 0b00000111
	assert.Equal(t, 8+4, CommonPrefixLen(a, b))
}

func TestSortByDistanceOrdersAscending(t *testing.T) {
	target := ToRoutingKey([]byte("target"))
	items := []Distanced[string]{
		{Key: ToRoutingKey([]byte("far")), Value: "far"},
		{Key: target, Value: "exact"},
		{Key: ToRoutingKey([]byte("near")), Value: "near"},
	}
	SortByDistance(items, target)
	assert.Equal(t, "exact", items[0].Value)

	for i := 1; i < len(items); i++ {
		d0 := XORDistance(target, items[i-1].Key)
		d1 := XORDistance(target, items[i].Key)
		assert.LessOrEqual(t, d0.Cmp(d1), 0)
	}
}

func TestSortByDistanceStableOnTies(t *testing.T) {
	target := ToRoutingKey([]byte("target"))
	var same Key = ToRoutingKey([]byte("same"))
	items := []Distanced[string]{
		{Key: same, Value: "first"},
		{Key: same, Value: "second"},
	}
	SortByDistance(items, target)
	assert.Equal(t, "first", items[0].Value)
	assert.Equal(t, "second", items[1].Value)
}
