package pkgmeta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseName(t *testing.T) {
	cases := []struct {
		token string
		want  PackageName
	}{
		{"lodash", PackageName{Base: "lodash"}},
		{"@foo/bar", PackageName{Scope: "foo", Base: "bar"}},
		{"@foo/bar/baz", PackageName{Scope: "foo", Base: "bar/baz"}},
		{"@foo", PackageName{Scope: "foo"}},
	}
	for _, tc := range cases {
		t.Run(tc.token, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseName(tc.token))
		})
	}
}

func TestScopedNameAndFlatten(t *testing.T) {
	n := PackageName{Scope: "foo", Base: "bar"}
	assert.Equal(t, "@foo/bar", n.Name())
	assert.Equal(t, "foo_bar", n.Flatten())

	plain := PackageName{Base: "bar"}
	assert.Equal(t, "bar", plain.Name())
	assert.Equal(t, "bar", plain.Flatten())
}

func TestParseFlattened(t *testing.T) {
	assert.Equal(t, PackageName{Scope: "foo", Base: "bar"}, ParseFlattened("foo_bar"))
	assert.Equal(t, PackageName{Base: "bar"}, ParseFlattened("bar"))

	// 第一个 _ 被视为 scope 边界：原 scope 含 _ 时无法还原。
	original := PackageName{Scope: "my_org", Base: "pkg"}
	assert.NotEqual(t, original, ParseFlattened(original.Flatten()))
	assert.Equal(t, PackageName{Scope: "my", Base: "org_pkg"}, ParseFlattened(original.Flatten()))
}

func TestValidateRejectsUnsafeNames(t *testing.T) {
	for _, token := range []string{"", "a#b", "..", "@foo/..", "@foo/", "a b"} {
		t.Run(token, func(t *testing.T) {
			require.ErrorIs(t, ParseName(token).Validate(), ErrInvalidName)
		})
	}
	require.NoError(t, ParseName("@foo/bar").Validate())
	require.NoError(t, ParseName("left-pad").Validate())
}

func TestFlattenDeterministicAndDistinct(t *testing.T) {
	ident := rapid.StringMatching(`[a-z][a-z0-9.-]{0,12}`)
	rapid.Check(t, func(r *rapid.T) {
		a := PackageName{Scope: ident.Draw(r, "scopeA"), Base: ident.Draw(r, "baseA")}
		b := PackageName{Scope: ident.Draw(r, "scopeB"), Base: ident.Draw(r, "baseB")}

		if a.Flatten() != a.Flatten() {
			r.Fatalf("flatten not deterministic for %v", a)
		}
		if a != b && a.Flatten() == b.Flatten() {
			r.Fatalf("flatten collision: %v and %v -> %s", a, b, a.Flatten())
		}
		if got := ParseName(a.Name()); got != a {
			r.Fatalf("parse(name) mismatch: %v vs %v", got, a)
		}
		if got := ParseFlattened(a.Flatten()); got != a {
			r.Fatalf("parseFlattened mismatch for underscore-free idents: %v vs %v", got, a)
		}
	})
}
