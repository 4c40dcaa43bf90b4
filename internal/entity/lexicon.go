package entity

import (
	"strings"

	"github.com/scrypster/mnemo/pkg/types"
)

// techLexicon lists technology names recognized as tools. The value is true
// when the lowercase spelling is unambiguous enough to match in running text
// ("postgres" yes, "go" no).
var techLexicon = map[string]bool{
	"postgresql": true, "postgres": true, "mysql": true, "sqlite": true, "mariadb": true,
	"mongodb": true, "redis": true, "memcached": true, "elasticsearch": true, "cassandra": true,
	"kafka": true, "rabbitmq": true, "nats": true, "grpc": true, "graphql": true,
	"docker": true, "kubernetes": true, "k8s": true, "helm": true, "terraform": true,
	"ansible": true, "nginx": true, "linux": true, "github": true, "gitlab": true,
	"jira": true, "slack": true, "vscode": true, "neovim": true, "npm": true,
	"yarn": true, "webpack": true, "vite": true, "golang": true, "python": true,
	"javascript": true, "typescript": true, "kotlin": true, "nodejs": true, "django": true,
	"postman": true, "ollama": true, "pgvector": true, "prometheus": true, "grafana": true,
	"aws": true, "gcp": true, "azure": true, "sql": false,
	"go": false, "rust": false, "java": false, "swift": false, "ruby": false,
	"react": false, "vue": false, "node": false, "git": false, "spring": false,
	"rails": false,
}

// canonicalNames maps common short forms to the name the registry should
// use for them.
var canonicalNames = map[string]string{
	"postgres": "PostgreSQL",
	"pg":       "PostgreSQL",
	"k8s":      "Kubernetes",
	"golang":   "Go",
	"js":       "JavaScript",
	"ts":       "TypeScript",
	"mongo":    "MongoDB",
	"nodejs":   "Node.js",
}

var orgSuffixes = map[string]bool{
	"inc": true, "corp": true, "corporation": true, "llc": true, "ltd": true,
	"labs": true, "gmbh": true, "co": true, "plc": true, "foundation": true,
}

var honorifics = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true, "sir": true,
}

var locationPrepositions = map[string]bool{"in": true, "at": true, "from": true}

// stopWords are capitalizable words that are never entities on their own.
var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		i me my we our us you your he she it they them their this that these those
		the a an and or but so if then than also however therefore because although
		yes no ok okay sure thanks thank please hi hello hey
		what when where which who why how is are was were be been do does did done
		can could should would will shall may might must not
		let let's lets use using add fix prefer avoid always never remember noted
		decided chose picked switch moved made make try tried see
		later now first next finally still just maybe perhaps actually anyway here there
		everyone someone nobody all some any each both since until while once again only even soon
		for with without from into onto to of on in at by about after before over under
		monday tuesday wednesday thursday friday saturday sunday today tomorrow yesterday
		january february march april june july august september october november december
		todo fixme note warning error bug issue`) {
		stopWords[w] = struct{}{}
	}
}

// InferType guesses an entity type for a mention that matched nothing in
// the registry.
func InferType(m Mention) string {
	switch m.Kind {
	case KindPerson:
		return types.EntityTypePerson
	case KindProject:
		return types.EntityTypeProject
	}

	words := strings.Fields(strings.ToLower(m.Text))
	if len(words) == 0 {
		return types.EntityTypeConcept
	}
	first := strings.TrimSuffix(words[0], ".")
	last := strings.Trim(words[len(words)-1], ".,")

	switch {
	case len(words) > 1 && orgSuffixes[last]:
		return types.EntityTypeOrganization
	case isTool(m.Text):
		return types.EntityTypeTool
	case len(words) > 1 && honorifics[first]:
		return types.EntityTypePerson
	case locationPrepositions[m.Preceding]:
		return types.EntityTypeLocation
	}
	return types.EntityTypeConcept
}

func isTool(name string) bool {
	alias := NormalizeAlias(name)
	if _, ok := techLexicon[alias]; ok {
		return true
	}
	_, ok := canonicalNames[alias]
	return ok
}

// displayName returns the canonical spelling for well-known short forms.
func displayName(m Mention) string {
	if canon, ok := canonicalNames[NormalizeAlias(m.Text)]; ok {
		return canon
	}
	return m.Text
}
