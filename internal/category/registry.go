package category

// defaultOrder fixes iteration order for inference so results are
// deterministic.
var defaultOrder = []string{
	"Performing Arts",
	"Live Music",
	"Visual Arts",
	"Family & Kids",
	"Food & Drink",
	"Outdoors & Nature",
	"Sports & Fitness",
	"Comedy",
	"Festivals & Fairs",
	"Education & Workshops",
	"Community",
	"Markets & Shopping",
	"Film & Cinema",
	"Holiday & Seasonal",
	"Nightlife",
}

// defaultKeywords is the curated registry. Adding a category here needs no
// migration; the categories table is populated on demand.
var defaultKeywords = map[string][]string{
	"Performing Arts": {
		"theater", "theatre", "broadway", "opera", "ballet", "symphony",
		"orchestra", "playhouse", "musical", "performing art", "stage show",
		"repertory", "cabaret", "recital", "dance performance",
		"one-man show", "one-woman show",
	},
	"Live Music": {
		"concert", "live music", "acoustic", "jazz", "blues", "rock",
		"country music", "folk music", "singer-songwriter", "open mic",
		"jam session", "ensemble", "choir", "choral",
	},
	"Visual Arts": {
		"art exhibit", "art show", "art gallery", "exhibition", "painting",
		"sculpture", "photography exhibit", "art festival", "art walk",
		"ceramics", "watercolor", "mixed media", "printmaking", "glass art",
		"art fair",
	},
	"Family & Kids": {
		"kids", "children", "family friendly", "family-friendly", "youth",
		"camp", "storytime", "story time", "toddler", "all ages", "puppet",
		"face paint",
	},
	"Food & Drink": {
		"food truck", "food fest", "wine tasting", "beer tasting", "brewery",
		"tasting", "brunch", "culinary", "chef", "cocktail", "distillery",
		"farm to table", "food festival",
	},
	"Outdoors & Nature": {
		"garden tour", "hike", "hiking", "kayak", "wildlife", "birding",
		"bird walk", "nature walk", "eco tour", "conservation",
		"paddleboard", "snorkel", "fishing", "botanical", "nature preserve",
	},
	"Sports & Fitness": {
		"fitness", "marathon", "yoga", "5k", "10k", "triathlon", "cycling",
		"golf tournament", "tennis", "pickleball", "regatta", "sailing",
		"fun run",
	},
	"Comedy": {
		"comedy", "comedian", "standup", "stand-up", "improv",
		"sketch comedy", "comedy show", "comedy night",
	},
	"Festivals & Fairs": {
		"festival", "fair", "parade", "carnival", "block party",
		"street fair", "fiesta", "jubilee",
	},
	"Education & Workshops": {
		"workshop", "lecture", "seminar", "masterclass", "certification",
		"panel discussion", "webinar",
	},
	"Community": {
		"volunteer", "fundraiser", "charity", "benefit gala", "nonprofit",
		"gala", "auction", "networking event",
	},
	"Markets & Shopping": {
		"farmers market", "flea market", "craft fair", "artisan market",
		"pop-up shop", "antique", "bazaar",
	},
	"Film & Cinema": {
		"film screening", "movie night", "cinema", "documentary",
		"film festival", "short film",
	},
	"Holiday & Seasonal": {
		"christmas", "halloween", "new year", "easter", "thanksgiving",
		"memorial day", "independence day", "fourth of july", "valentines",
		"mardi gras", "holiday",
	},
	"Nightlife": {
		"dj", "dance party", "club night", "happy hour", "karaoke",
		"late night",
	},
}

// Default returns the registry built from the curated keyword data.
func Default() *Registry {
	return New(defaultKeywords, defaultOrder)
}
