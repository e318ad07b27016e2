package symbols

import (
	"github.com/go-delve/symsnap/pkg/pe"
)

// exportProvider serves the names of a module's export table. Exports
// have no sizes, lookups rely on the nearest preceding symbol.
type exportProvider struct {
	syms []Symbol
}

func newExportProvider(img *pe.Metadata) *exportProvider {
	p := &exportProvider{}
	if img == nil || img.Exports == nil {
		return p
	}
	for _, e := range img.Exports.Exports {
		if e.Forwarder != "" {
			continue
		}
		p.syms = append(p.syms, Symbol{
			Name:      e.Name,
			RVA:       e.RVA,
			Kind:      KindPublic,
			Synthetic: true,
		})
	}
	return p
}

func (p *exportProvider) Kind() string {
	return "exports"
}

func (p *exportProvider) Symbols() []Symbol {
	return p.syms
}

func (p *exportProvider) Inlines(rva uint32) []InlineFrame {
	return nil
}

func (p *exportProvider) LineFor(rva uint32) (string, int, bool) {
	return "", 0, false
}
