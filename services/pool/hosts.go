package pool

import "strings"

// Provider aliases that must share one host group. Large providers expose
// several IMAP endpoints backed by the same infrastructure; capacity and
// rate accounting has to treat them as one server.
var providerAliases = map[string]string{
	"gmail.com":              "gmail.com",
	"googlemail.com":         "gmail.com",
	"google.com":             "gmail.com",
	"outlook.com":            "outlook.office365.com",
	"office365.com":          "outlook.office365.com",
	"hotmail.com":            "outlook.office365.com",
	"live.com":               "outlook.office365.com",
	"outlook.office365.com":  "outlook.office365.com",
	"yahoo.com":              "yahoo.com",
	"yahoodns.net":           "yahoo.com",
	"zoho.com":               "zoho.com",
	"zohomail.com":           "zoho.com",
	"protonmail.com":         "protonmail.com",
	"protonmail.ch":          "protonmail.com",
	"proton.me":              "protonmail.com",
}

// CanonicalHost maps an IMAP server hostname to its host-group key.
// "imap.gmail.com" and "imap.googlemail.com" land in the same group;
// unknown hosts group under their own lowercased name.
func CanonicalHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimSuffix(h, ".")
	if h == "" {
		return h
	}

	labels := strings.Split(h, ".")
	for i := 0; i < len(labels)-1; i++ {
		suffix := strings.Join(labels[i:], ".")
		if canonical, ok := providerAliases[suffix]; ok {
			return canonical
		}
	}

	return h
}
