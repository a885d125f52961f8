package configtest

import (
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"go.uber.org/multierr"
)

// keys become CLI flag names and env var suffixes, see config.GenerateCLIFlags
var yamlKey = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`)

type tagChecker struct {
	seen map[reflect.Type]struct{}
	errs error
}

func (c *tagChecker) fail(path, format string, args ...any) {
	c.errs = multierr.Append(c.errs, fmt.Errorf("%s: %s", path, fmt.Sprintf(format, args...)))
}

func (c *tagChecker) check(t reflect.Type, path string) {
	switch t.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.Pointer:
		c.check(t.Elem(), path)
		return
	case reflect.Struct:
	default:
		return
	}

	if _, ok := c.seen[t]; ok {
		return
	}
	c.seen[t] = struct{}{}

	keys := make(map[string]string)
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() || field.Tag.Get("config") == "allowempty" {
			continue
		}

		parts := strings.Split(field.Tag.Get("yaml"), ",")
		name, opts := parts[0], parts[1:]
		if name == "-" {
			continue
		}

		if slices.Contains(opts, "inline") {
			c.check(field.Type, path)
			continue
		}

		fieldPath := join(path, name)
		switch {
		case name == "":
			fieldPath = join(path, field.Name)
			c.fail(fieldPath, "missing yaml key")
		case !yamlKey.MatchString(name):
			c.fail(fieldPath, "yaml key is not snake_case")
		}
		if other, ok := keys[name]; ok && name != "" {
			c.fail(fieldPath, "yaml key also used by %s", other)
		}
		keys[name] = field.Name

		// bools are flags, their zero value is meaningful
		if field.Type.Kind() != reflect.Bool && !slices.Contains(opts, "omitempty") {
			c.fail(fieldPath, "missing omitempty tag")
		}

		c.check(field.Type, fieldPath)
	}
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

// CheckYAMLTags reports, by dotted YAML path, every field reachable from config whose
// key is missing or not snake_case, collides with a sibling, or lacks omitempty.
// Booleans may omit omitempty. Fields tagged `config:"allowempty"` are skipped with
// their children.
func CheckYAMLTags(config any) error {
	c := &tagChecker{seen: make(map[reflect.Type]struct{})}
	c.check(reflect.TypeOf(config), "")
	return c.errs
}
