// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package management

import (
	"testing"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"

	"github.com/reflexsoar/reflexsoar-agent/ci"
)

func testConn(t *testing.T, name string) *ManagementConnection {
	t.Helper()
	conn, err := NewManagementConnection(HTTPConnectionConfig{
		URL:    "https://localhost",
		APIKey: "test",
		Name:   name,
		Logger: hclog.NewNullLogger(),
	}, nil)
	must.NoError(t, err)
	return conn
}

func TestRegistry_AddRemove(t *testing.T) {
	ci.Parallel(t)

	reg := NewRegistry()
	conn := testConn(t, "test")

	must.NoError(t, reg.Add(conn))
	must.True(t, reg.Get("test") == conn)

	// a second add of the same name fails
	must.ErrorIs(t, reg.Add(conn), ErrDuplicateConnection)

	// after remove, add succeeds again
	must.NoError(t, reg.Remove("test"))
	must.Nil(t, reg.Get("test"))
	must.NoError(t, reg.Add(conn))

	// removing an unknown name fails
	must.ErrorIs(t, reg.Remove("missing"), ErrConnectionNotExist)
}

func TestRegistry_Default(t *testing.T) {
	ci.Parallel(t)

	reg := NewRegistry()
	must.Nil(t, reg.Default())

	conn := testConn(t, "")
	must.Eq(t, DefaultConnectionName, conn.Name())
	must.NoError(t, reg.Add(conn))
	must.True(t, reg.Default() == conn)
	must.True(t, reg.Get("") == conn)
}

func TestRegistry_RegisterOnConstruct(t *testing.T) {
	ci.Parallel(t)

	reg := NewRegistry()
	conn, err := NewManagementConnection(HTTPConnectionConfig{
		URL:    "https://localhost",
		APIKey: "test",
		Name:   "global",
		Logger: hclog.NewNullLogger(),
	}, reg)
	must.NoError(t, err)
	must.True(t, reg.Get("global") == conn)

	// constructing a second connection under the same name propagates the
	// registry conflict
	_, err = NewManagementConnection(HTTPConnectionConfig{
		URL:    "https://localhost",
		APIKey: "test",
		Name:   "global",
		Logger: hclog.NewNullLogger(),
	}, reg)
	must.ErrorIs(t, err, ErrDuplicateConnection)
}

func TestRegistry_BuildHelpers(t *testing.T) {
	ci.Parallel(t)

	reg := NewRegistry()

	mgmt, err := BuildManagement(reg, HTTPConnectionConfig{
		URL:    "https://localhost",
		Name:   "build",
		Logger: hclog.NewNullLogger(),
	}, true)
	must.NoError(t, err)
	must.NotNil(t, mgmt)
	must.True(t, reg.Get("build") == mgmt)

	// the name is taken now, both builders yield nil
	again, err := BuildManagement(reg, HTTPConnectionConfig{
		URL:    "https://localhost",
		Name:   "build",
		Logger: hclog.NewNullLogger(),
	}, true)
	must.NoError(t, err)
	must.Nil(t, again)

	httpConn := BuildHTTP(reg, HTTPConnectionConfig{
		URL:    "https://localhost",
		Name:   "build",
		Logger: hclog.NewNullLogger(),
	})
	must.Nil(t, httpConn)

	// a free name builds but is not registered
	httpConn = BuildHTTP(reg, HTTPConnectionConfig{
		URL:    "https://localhost",
		Name:   "plain",
		Logger: hclog.NewNullLogger(),
	})
	must.NotNil(t, httpConn)
	must.Nil(t, reg.Get("plain"))
}
