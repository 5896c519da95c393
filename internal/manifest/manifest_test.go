package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewManifestAlwaysHasPgData(t *testing.T) {
	m := New("20260101-000000F", TypeFull)
	target, ok := m.Targets["pg_data"]
	require.True(t, ok)
	require.True(t, target.IsPgData())
}

func TestAddReferenceIsOrderedAndUnique(t *testing.T) {
	m := New("label", TypeDiff)
	m.AddReference("A")
	m.AddReference("B")
	m.AddReference("A")
	require.Equal(t, []string{"A", "B"}, m.Header.Reference)
}

func TestFinalizeStripsEmptyAnnotations(t *testing.T) {
	m := New("label", TypeFull)
	m.Finalize(map[string]string{"keep": "value", "drop": ""})
	require.Equal(t, "value", m.Header.Annotation["keep"])
	_, ok := m.Header.Annotation["drop"]
	require.False(t, ok)
}

func TestValidateRejectsUnreferencedPriorLabel(t *testing.T) {
	m := New("label", TypeDiff)
	m.Files["base/1/1"] = File{Name: "base/1/1", Size: 10, RepoSize: 10, Checksum: "x", Reference: "20250101-000000F"}
	err := m.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "reference")
}

func TestValidateAcceptsReferencedPriorLabel(t *testing.T) {
	m := New("label", TypeDiff)
	m.AddReference("20250101-000000F")
	m.Files["base/1/1"] = File{Name: "base/1/1", Size: 10, RepoSize: 10, Checksum: "x", Reference: "20250101-000000F"}
	require.NoError(t, m.Validate())
}

func TestValidateRejectsZeroSizeFileWithNonEmptyChecksum(t *testing.T) {
	m := New("label", TypeFull)
	m.Files["base/1/1"] = File{Name: "base/1/1", Size: 0, Checksum: "deadbeef"}
	err := m.Validate()
	require.Error(t, err)
}

func TestValidateAcceptsZeroSizeFileWithEmptyChecksum(t *testing.T) {
	m := New("label", TypeFull)
	m.Files["base/1/1"] = File{Name: "base/1/1", Size: 0, Checksum: EmptyChecksum}
	require.NoError(t, m.Validate())
}

func TestLinkCheckRejectsLinkUnderPgData(t *testing.T) {
	m := New("label", TypeFull)
	m.Targets["pg_data"] = Target{Name: "pg_data", Type: TargetTypePath, Path: "/var/lib/pg"}
	m.Targets["bad"] = Target{Name: "bad", Type: TargetTypeLink, Path: "/var/lib/pg/sub"}
	err := m.LinkCheck()
	require.Error(t, err)
}

func TestLinkCheckRejectsNestedLinkDestinations(t *testing.T) {
	m := New("label", TypeFull)
	m.Targets["pg_data"] = Target{Name: "pg_data", Type: TargetTypePath, Path: "/var/lib/pg"}
	m.Targets["outer"] = Target{Name: "outer", Type: TargetTypeLink, Path: "/mnt/a"}
	m.Targets["inner"] = Target{Name: "inner", Type: TargetTypeLink, Path: "/mnt/a/b"}
	err := m.LinkCheck()
	require.Error(t, err)
}

func TestLinkCheckRejectsDuplicateFileLinkDestination(t *testing.T) {
	m := New("label", TypeFull)
	m.Targets["pg_data"] = Target{Name: "pg_data", Type: TargetTypePath, Path: "/var/lib/pg"}
	m.Targets["link1"] = Target{Name: "link1", Type: TargetTypeLink, Path: "/mnt/a", File: "f"}
	m.Targets["link2"] = Target{Name: "link2", Type: TargetTypeLink, Path: "/mnt/a", File: "f"}
	err := m.LinkCheck()
	require.Error(t, err)
}

func TestLinkCheckAcceptsDisjointLinks(t *testing.T) {
	m := New("label", TypeFull)
	m.Targets["pg_data"] = Target{Name: "pg_data", Type: TargetTypePath, Path: "/var/lib/pg"}
	m.Targets["a"] = Target{Name: "a", Type: TargetTypeLink, Path: "/mnt/a"}
	m.Targets["b"] = Target{Name: "b", Type: TargetTypeLink, Path: "/mnt/b"}
	require.NoError(t, m.LinkCheck())
}

func TestDefaultsPicksMostCommonAttrs(t *testing.T) {
	m := New("label", TypeFull)
	m.Files["a"] = File{Name: "a", Attrs: Attrs{Mode: "0600", User: "postgres", Group: "postgres"}}
	m.Files["b"] = File{Name: "b", Attrs: Attrs{Mode: "0600", User: "postgres", Group: "postgres"}}
	m.Files["c"] = File{Name: "c", Attrs: Attrs{Mode: "0640", User: "postgres", Group: "postgres"}}
	m.Finalize(nil)
	require.Equal(t, "0600", m.Defaults.File.Mode)
	require.Equal(t, "postgres", m.Defaults.File.User)
}
