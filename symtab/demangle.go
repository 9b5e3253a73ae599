package symtab

import "github.com/ianlancetaylor/demangle"

var (
	DemangleNone       []demangle.Option
	DemangleSimplified = []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams, demangle.NoTemplateParams}
	DemangleTemplates  = []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams}
	DemangleFull       = []demangle.Option{demangle.NoClones}
)

// ConvertDemangleOptions maps the target option string to demangler flags.
// Unknown values demangle nothing.
func ConvertDemangleOptions(o string) []demangle.Option {
	switch o {
	case "none":
		return DemangleNone
	case "simplified":
		return DemangleSimplified
	case "templates":
		return DemangleTemplates
	case "full":
		return DemangleFull
	default:
		return DemangleNone
	}
}
