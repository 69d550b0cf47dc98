package e2ebot

import "testing"

func TestParseServerDef(t *testing.T) {
	cases := []struct {
		s string
		d ServerDefinition
	}{
		{"linux/ubuntu-22.04/amd64", ServerDefinition{"linux", "ubuntu-22.04", "amd64"}},
		{"linux/ubuntu-22.04/arm64", ServerDefinition{"linux", "ubuntu-22.04", "arm64"}},
		{"windows/server-2022-base/amd64", ServerDefinition{"windows", "server-2022-base", "amd64"}},
		{"macos/ventura/arm64", ServerDefinition{"macos", "ventura", "arm64"}},
	}

	for _, test := range cases {
		d, err := ParseServerDef(test.s)
		if err != nil {
			t.Errorf("ParseServerDef(%q) err = %v, want nil", test.s, err)
		}
		if d != test.d {
			t.Errorf("ParseServerDef(%q) = %+v, want %+v", test.s, d, test.d)
		}
	}
}

func TestParseServerDefBad(t *testing.T) {
	cases := []string{
		"",
		"linux",
		"linux/ubuntu-22.04",
		"linux//amd64",
		"linux/ubuntu-22.04/amd64/extra",
		"/ubuntu-22.04/amd64",
	}

	for _, test := range cases {
		_, err := ParseServerDef(test)
		if err == nil {
			t.Errorf("ParseServerDef(%q) err = nil, want error", test)
		}
	}
}

func TestServerDefString(t *testing.T) {
	d := ServerDefinition{"linux", "ubuntu-22.04", "amd64"}
	if got, want := d.String(), "linux/ubuntu-22.04/amd64"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
