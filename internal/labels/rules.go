package labels

import "strings"

// Rule maps any class name containing Pattern onto Label.
type Rule struct {
	Pattern string
	Label   Label
}

// RuleTable maps arbitrary model class names onto the closed label set. Rules
// are tried in order against the lowercased name; the first match wins and
// Fallback is used when nothing matches.
type RuleTable struct {
	Rules    []Rule
	Fallback Label
}

// DefaultRules folds ImageNet-style class names onto CIFAR-10. More specific
// patterns come first ("sports car" before "car", "catamaran" before "cat").
var DefaultRules = RuleTable{
	Rules: []Rule{
		{Pattern: "airliner", Label: Airplane},
		{Pattern: "warplane", Label: Airplane},
		{Pattern: "airplane", Label: Airplane},
		{Pattern: "aeroplane", Label: Airplane},
		{Pattern: "airship", Label: Airplane},
		{Pattern: "catamaran", Label: Ship},
		{Pattern: "container ship", Label: Ship},
		{Pattern: "liner", Label: Ship},
		{Pattern: "boat", Label: Ship},
		{Pattern: "ship", Label: Ship},
		{Pattern: "schooner", Label: Ship},
		{Pattern: "fire engine", Label: Truck},
		{Pattern: "tow truck", Label: Truck},
		{Pattern: "trailer truck", Label: Truck},
		{Pattern: "pickup", Label: Truck},
		{Pattern: "truck", Label: Truck},
		{Pattern: "lorry", Label: Truck},
		{Pattern: "sports car", Label: Automobile},
		{Pattern: "convertible", Label: Automobile},
		{Pattern: "limousine", Label: Automobile},
		{Pattern: "minivan", Label: Automobile},
		{Pattern: "cab", Label: Automobile},
		{Pattern: "car", Label: Automobile},
		{Pattern: "tabby", Label: Cat},
		{Pattern: "siamese", Label: Cat},
		{Pattern: "persian", Label: Cat},
		{Pattern: "cat", Label: Cat},
		{Pattern: "terrier", Label: Dog},
		{Pattern: "retriever", Label: Dog},
		{Pattern: "spaniel", Label: Dog},
		{Pattern: "hound", Label: Dog},
		{Pattern: "poodle", Label: Dog},
		{Pattern: "dog", Label: Dog},
		{Pattern: "frog", Label: Frog},
		{Pattern: "toad", Label: Frog},
		{Pattern: "sorrel", Label: Horse},
		{Pattern: "horse", Label: Horse},
		{Pattern: "elk", Label: Deer},
		{Pattern: "hartebeest", Label: Deer},
		{Pattern: "impala", Label: Deer},
		{Pattern: "deer", Label: Deer},
		{Pattern: "ostrich", Label: Bird},
		{Pattern: "finch", Label: Bird},
		{Pattern: "jay", Label: Bird},
		{Pattern: "eagle", Label: Bird},
		{Pattern: "bird", Label: Bird},
	},
	Fallback: Bird,
}

// Resolve maps a class name onto a label. Exact label names resolve to
// themselves before any rule is consulted.
func (t RuleTable) Resolve(name string) Label {
	n := strings.ToLower(strings.TrimSpace(name))
	if l := Label(n); l.Valid() {
		return l
	}
	for _, r := range t.Rules {
		if strings.Contains(n, r.Pattern) {
			return r.Label
		}
	}
	return t.Fallback
}
