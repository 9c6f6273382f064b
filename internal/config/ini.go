package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/ini.v1"
)

// maxInterpolationDepth bounds nested %(name)s references.
const maxInterpolationDepth = 10

var interpolationRef = regexp.MustCompile(`^%\(([^)]+)\)s`)

// parseINI reads the sectioned key/value format. Section names are case
// sensitive and key names are not. Keys missing from a section fall back to
// [DEFAULT], and values are interpolated: %% is a literal percent sign and
// %(name)s is replaced by another key of the same section.
func parseINI(data []byte) (*source, error) {
	if err := checkINIStructure(data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	f, err := ini.LoadSources(ini.LoadOptions{
		InsensitiveKeys:            true,
		IgnoreInlineComment:        true,
		AllowPythonMultilineValues: true,
	}, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	r := &iniReader{f: f}
	src := &source{}
	src.SMTP.Server = r.value("SMTP", "server")
	src.SMTP.Port = r.value("SMTP", "port")
	src.SMTP.Username = r.value("SMTP", "username")
	src.SMTP.Password = r.value("SMTP", "password")
	src.SMTP.Auth = r.value("SMTP", "auth")
	src.SMTP.Helo = r.value("SMTP", "helo")
	src.SMTP.CAFile = r.value("SMTP", "ca_file")
	src.SMTP.InsecureSkipVerify = r.value("SMTP", "insecure_skip_verify")
	src.SMTP.Timeout = r.value("SMTP", "timeout")

	src.Email.Recipients = stringList{r.value("EMAIL", "recipients")}
	src.Email.Subject = r.value("EMAIL", "subject")
	src.Email.Attachments = stringList{r.value("EMAIL", "attachments")}

	src.Delivery.Backend = r.value("DELIVERY", "backend")

	src.SES.Region = r.value("SES", "region")
	src.SES.AccessKeyID = r.value("SES", "access_key_id")
	src.SES.SecretAccessKey = r.value("SES", "secret_access_key")

	src.Graph.TenantID = r.value("GRAPH", "tenant_id")
	src.Graph.ClientID = r.value("GRAPH", "client_id")
	src.Graph.ClientSecret = r.value("GRAPH", "client_secret")

	if r.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, r.err)
	}
	return src, nil
}

// checkINIStructure rejects content before the first section header and
// sections declared more than once, both of which the INI decoder would
// otherwise accept silently.
func checkINIStructure(data []byte) error {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), len(data)+1)

	seen := make(map[string]bool)
	inSection := false
	for n := 1; scanner.Scan(); n++ {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";") {
			continue
		}
		// Indented lines continue the previous value.
		if inSection && (line[0] == ' ' || line[0] == '\t') {
			continue
		}
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			name := strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			if seen[name] {
				return fmt.Errorf("line %d: section %q already exists", n, name)
			}
			seen[name] = true
			inSection = true
			continue
		}
		if !inSection {
			return fmt.Errorf("line %d: %q is not inside a section", n, trimmed)
		}
	}
	return scanner.Err()
}

// iniReader looks up interpolated values and keeps the first error.
type iniReader struct {
	f   *ini.File
	err error
}

// value returns the interpolated value of section.key, or "" when either is
// absent.
func (r *iniReader) value(section, key string) string {
	raw, ok := r.lookup(section, key)
	if !ok {
		return ""
	}
	v, err := r.interpolate(section, key, raw, 1)
	if err != nil {
		if r.err == nil {
			r.err = err
		}
		return ""
	}
	return v
}

// lookup returns the raw value of section.key, falling back to [DEFAULT]
// when the section exists but does not define the key.
func (r *iniReader) lookup(section, key string) (string, bool) {
	key = strings.ToLower(key)
	sec, err := r.f.GetSection(section)
	if err != nil {
		return "", false
	}
	if sec.HasKey(key) {
		return sec.Key(key).Value(), true
	}
	def, err := r.f.GetSection(ini.DefaultSection)
	if err != nil || !def.HasKey(key) {
		return "", false
	}
	return def.Key(key).Value(), true
}

func (r *iniReader) interpolate(section, key, raw string, depth int) (string, error) {
	if depth > maxInterpolationDepth {
		return "", fmt.Errorf("%s.%s: interpolation nested too deeply", section, key)
	}

	var b strings.Builder
	rest := raw
	for {
		i := strings.IndexByte(rest, '%')
		if i < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:i])
		rest = rest[i:]

		switch {
		case strings.HasPrefix(rest, "%%"):
			b.WriteByte('%')
			rest = rest[2:]
		case strings.HasPrefix(rest, "%("):
			m := interpolationRef.FindStringSubmatch(rest)
			if m == nil {
				return "", fmt.Errorf("%s.%s: bad interpolation reference %q", section, key, rest)
			}
			ref, ok := r.lookup(section, m[1])
			if !ok {
				return "", fmt.Errorf("%s.%s: references missing key %q", section, key, m[1])
			}
			v, err := r.interpolate(section, key, ref, depth+1)
			if err != nil {
				return "", err
			}
			b.WriteString(v)
			rest = rest[len(m[0]):]
		default:
			return "", errors.New(section + "." + key + ": '%' must be followed by '%' or '('")
		}
	}
}
