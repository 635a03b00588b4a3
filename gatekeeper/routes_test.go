package gatekeeper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irbridge/irgate/role"
)

func TestNewRoutesRequiresPublicAuthAndLanding(t *testing.T) {
	_, err := NewRoutes([]Rule{{Prefix: "/", Public: true}})
	assert.ErrorContains(t, err, "/auth/")

	_, err = NewRoutes([]Rule{{Prefix: "/auth/", Public: true}})
	assert.Error(t, err)

	_, err = NewRoutes([]Rule{
		{Prefix: "/", Public: true},
		{Prefix: "/auth/", Role: role.Admin},
	})
	assert.Error(t, err, "auth prefix must be public")
}

func TestNewRoutesRejectsBadRules(t *testing.T) {
	base := []Rule{{Prefix: "/", Public: true}, {Prefix: "/auth/", Public: true}}

	_, err := NewRoutes(append(base, Rule{Prefix: "admin/", Role: role.Admin}))
	assert.Error(t, err)

	_, err = NewRoutes(append(base, Rule{Prefix: "/x/", Role: role.Guest}))
	assert.Error(t, err)

	_, err = NewRoutes(append(base, Rule{Prefix: "/", Public: true}))
	assert.Error(t, err)
}

func TestClassifyLongestPrefix(t *testing.T) {
	rt, err := NewRoutes([]Rule{
		{Prefix: "/", Public: true},
		{Prefix: "/auth/", Public: true},
		{Prefix: "/admin/", Role: role.Admin},
		{Prefix: "/admin/help", Public: true},
	})
	require.NoError(t, err)

	assert.Equal(t, role.Admin, rt.Classify("/admin/dashboard").Role)
	assert.Equal(t, role.Admin, rt.Classify("/admin").Role)
	assert.True(t, rt.Classify("/admin/help").Public)
	assert.True(t, rt.Classify("/auth/login").Public)
	assert.True(t, rt.Classify("/anything").Public)
	assert.True(t, rt.Classify("/administrator").Public)
}

func TestDefaultRoutes(t *testing.T) {
	rt := DefaultRoutes()
	assert.Equal(t, role.Corporate, rt.Classify("/corporate/dashboard").Role)
	assert.Equal(t, role.Investor, rt.Classify("/investor/chat").Role)
	assert.True(t, rt.Classify("/").Public)
	assert.True(t, rt.Classify("/auth/callback").Public)
}
