/*
 * Copyright 2025 Holger de Carne
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package userstore_test

import (
	"log/slog"
	"os"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/require"
	"github.com/tdrn-org/gated/internal/server/userstore"
)

func testLDAPConfig(url string) *userstore.LDAPConfig {
	return &userstore.LDAPConfig{
		URL:          url,
		BindDN:       "cn=gated,dc=example,dc=org",
		BindPassword: "ldappassword",
		UserSearch: userstore.LDAPSearchConfig{
			BaseDN:       "ou=users,dc=example,dc=org",
			Scope:        ldap.ScopeWholeSubtree,
			DerefAliases: ldap.NeverDerefAliases,
			Filter:       "(&(objectClass=inetOrgPerson)(objectClass=posixAccount))",
		},
		GroupSearch: userstore.LDAPSearchConfig{
			BaseDN:       "ou=groups,dc=example,dc=org",
			Scope:        ldap.ScopeWholeSubtree,
			DerefAliases: ldap.NeverDerefAliases,
			Filter:       "(objectClass=groupOfNames)",
		},
		Mapping: userstore.LDAPOpenLDAPMapping(),
	}
}

func TestLDAPMappings(t *testing.T) {
	openLDAP := userstore.LDAPOpenLDAPMapping()
	require.NoError(t, openLDAP.Validate())
	require.Equal(t, "mail", openLDAP.User.Email)
	require.Equal(t, "member", openLDAP.Group.Members)
	activeDirectory := userstore.LDAPActiveDirectoryMapping()
	require.NoError(t, activeDirectory.Validate())
	require.Equal(t, "memberOf", activeDirectory.User.Groups)
	invalid := &userstore.LDAPAttributeMapping{}
	err := invalid.Validate()
	require.ErrorIs(t, err, userstore.ErrInvalidLDAPAttributeMapping)
	_, err = userstore.NewLDAPBackend(&userstore.LDAPConfig{Mapping: invalid}, slog.Default())
	require.ErrorIs(t, err, userstore.ErrInvalidLDAPAttributeMapping)
}

func TestLDAPBackend(t *testing.T) {
	url := os.Getenv("GATED_TEST_LDAP_URL")
	if url == "" {
		t.Skip("GATED_TEST_LDAP_URL not set")
	}
	backend, err := userstore.NewLDAPBackend(testLDAPConfig(url), slog.Default())
	require.NoError(t, err)
	require.NotNil(t, backend)

	user, err := backend.LookupUserByEmail("user0@example.org")
	require.NoError(t, err)
	require.NotNil(t, user)
	require.Equal(t, "user0@example.org", user.Email)
	require.NotEmpty(t, user.Subject)

	err = backend.CheckPassword("user0@example.org", "user0secret")
	require.NoError(t, err)
	err = backend.CheckPassword("user0@example.org", "wrong")
	require.ErrorIs(t, err, userstore.ErrIncorrectPassword)
}
