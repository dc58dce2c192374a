package concepts

// builtinStopwords holds function words and generic nouns that never make a
// useful concept, in English and Portuguese.
var builtinStopwords = []string{
	// Generic nouns.
	"coisa", "algo", "alguém", "pessoa", "forma", "modo", "tipo", "exemplo",
	"caso", "situação", "hoje", "ontem", "amanhã", "agora", "depois", "antes",
	"momento", "tempo", "vez", "muito", "pouco", "algum", "todo", "lugar",
	"local", "área", "parte",
	"thing", "something", "someone", "person", "way", "kind", "example",
	"case", "today", "yesterday", "tomorrow", "now", "time", "part", "place",

	// English function words.
	"the", "and", "for", "are", "but", "not", "you", "all", "any", "can",
	"had", "her", "was", "one", "our", "out", "has", "have", "his", "how",
	"its", "may", "new", "see", "two", "who", "did", "get", "let", "say",
	"she", "too", "use", "with", "this", "that", "from", "they", "will",
	"would", "there", "their", "what", "about", "which", "when", "were",
	"been", "into", "than", "then", "them", "these", "those", "some", "such",
	"also", "more", "most", "other", "only", "over", "very", "just", "each",
	"where", "while", "should", "could", "because", "between", "after",
	"before", "through", "under", "does", "doing", "here", "your", "ours",

	// Portuguese function words.
	"que", "não", "uma", "com", "para", "por", "mais", "como", "mas", "foi",
	"ele", "ela", "das", "dos", "tem", "seu", "sua", "ser", "são", "nos",
	"já", "está", "quando", "muito", "também", "só", "pelo", "pela", "até",
	"isso", "entre", "era", "sem", "mesmo", "aos", "ter", "seus", "quem",
	"nas", "esse", "eles", "essa", "num", "nem", "suas", "meu", "minha",
	"numa", "pelos", "elas", "qual", "lhe", "deles", "essas", "esses",
	"pelas", "este", "dele", "tu", "você", "vocês", "isto", "aquilo", "estou",
	"esta", "estes", "estas", "onde", "sobre", "cada", "ainda", "então",
}
