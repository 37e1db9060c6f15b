package outbound

import "testing"

func TestRender(t *testing.T) {
	t.Parallel()

	vars := map[string]string{
		"name":       "Ada",
		"order.id":   "A-1042",
		"agent_name": "Sam",
	}

	cases := []struct {
		name string
		body string
		want string
	}{
		{"plain", "no placeholders here", "no placeholders here"},
		{"single", "Hi {{name}}!", "Hi Ada!"},
		{"spaced", "Order {{ order.id }} shipped", "Order A-1042 shipped"},
		{"repeated", "{{name}} {{name}}", "Ada Ada"},
		{"unknown kept", "Hi {{nmae}}, I'm {{agent_name}}", "Hi {{nmae}}, I'm Sam"},
		{"unclosed", "Hi {{name", "Hi {{name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Render(tc.body, vars); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRenderWithoutVars(t *testing.T) {
	t.Parallel()

	if got := Render("Hi {{name}}", nil); got != "Hi {{name}}" {
		t.Fatalf("got %q, want placeholder left intact", got)
	}
}
