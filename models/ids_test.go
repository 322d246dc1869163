package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseSnowflake(t *testing.T) {
	assert := assert.New(t)

	v, err := ParseSnowflake("81384788765712384")
	assert.NoError(err)
	assert.Equal(Snowflake(81384788765712384), v)
	assert.Equal("81384788765712384", v.String())

	v, err = ParseSnowflake(" 42 ")
	assert.NoError(err)
	assert.Equal(Snowflake(42), v)

	for _, bad := range []string{"", "0", "-1", "abc", "1.5", "18446744073709551615"} {
		_, err := ParseSnowflake(bad)
		assert.Error(err, bad)
	}
}

func TestSnowflakeJSON(t *testing.T) {
	assert := assert.New(t)

	type wrapper struct {
		ID    Snowflake `json:"id"`
		Roles RoleSet   `json:"roles"`
	}
	b, err := json.Marshal(wrapper{ID: 123, Roles: RoleSet{4, 5}})
	assert.NoError(err)
	assert.JSONEq(`{"id":"123","roles":["4","5"]}`, string(b))

	var out wrapper
	assert.NoError(json.Unmarshal(b, &out))
	assert.Equal(Snowflake(123), out.ID)
	assert.Equal(RoleSet{4, 5}, out.Roles)

	assert.Error(json.Unmarshal([]byte(`{"id":"0"}`), &out))
}

func TestRoleSetNormalize(t *testing.T) {
	assert := assert.New(t)

	rs := RoleSet{3, 0, 1, 3, 2, 1}.Normalize()
	assert.Equal(RoleSet{3, 1, 2}, rs)
	assert.True(rs.Contains(2))
	assert.False(rs.Contains(4))
}

func TestEnums(t *testing.T) {
	assert := assert.New(t)

	c, err := ParseCategory("Bigotry")
	assert.NoError(err)
	assert.Equal(CategoryBigotry, c)
	_, err = ParseCategory("rudeness")
	assert.Error(err)

	a, err := ParseAction("timeout")
	assert.NoError(err)
	assert.Equal(ActionTimeout, a)
	assert.True(ActionBan > ActionTimeout)
	assert.Equal("ban", ActionBan.String())

	r, err := ParseRole("LISTENER")
	assert.NoError(err)
	assert.Equal(RoleListener, r)
}

func TestIdempotencyKey(t *testing.T) {
	assert := assert.New(t)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 500, time.FixedZone("x", 3600))
	r := Report{ID: 7, UpdatedAt: ts}
	assert.Equal("7:2024-03-01T11:00:00.0000005Z", r.IdempotencyKey())
	assert.Equal(r.IdempotencyKey(), IdempotencyKey(7, ts.UTC()))
}
