package analyzer

import "regexp"

// matcher wraps a compiled regexp and knows how to pull payload and
// named-capture fields out of each match.
type matcher struct {
	re    *regexp.Regexp
	names []string
}

type hit struct {
	payload string
	start   int
	fields  map[string]string
}

func compileMatcher(raw string) (*matcher, error) {
	re, err := regexp.Compile(raw)
	if err != nil {
		return nil, err
	}
	return &matcher{re: re, names: re.SubexpNames()}, nil
}

// extract finds all matches in file order. The payload is the first
// capture group when one exists, otherwise the whole match. Named groups
// become fields on the record.
func (m *matcher) extract(content string) []hit {
	idxs := m.re.FindAllStringSubmatchIndex(content, -1)
	if len(idxs) == 0 {
		return nil
	}
	hits := make([]hit, 0, len(idxs))
	for _, loc := range idxs {
		h := hit{start: loc[0]}
		if len(loc) > 2 && loc[2] >= 0 {
			h.payload = content[loc[2]:loc[3]]
		} else {
			h.payload = content[loc[0]:loc[1]]
		}
		for gi, name := range m.names {
			if gi == 0 || name == "" {
				continue
			}
			if loc[2*gi] >= 0 {
				if h.fields == nil {
					h.fields = make(map[string]string)
				}
				h.fields[name] = content[loc[2*gi] : loc[2*gi+1]]
			}
		}
		hits = append(hits, h)
	}
	return hits
}
