package normalize

import "strings"

// PageRange is the estimated page span of a subject in a paginated document.
type PageRange struct {
	Subject   string `json:"subject"`
	FirstPage int    `json:"first_page"`
	LastPage  int    `json:"last_page"`
}

// EstimatePageRanges maps each bucket's lines to pages by assuming every page
// holds the same number of lines. Documents dominated by tables or images
// break that assumption and the ranges drift; treat the result as a hint.
func (n *Normalizer) EstimatePageRanges(text string, pageCount int) []PageRange {
	if text == "" || pageCount <= 0 {
		return nil
	}
	assigned := n.assign(text)
	perPage := (len(assigned) + pageCount - 1) / pageCount
	if perPage == 0 {
		perPage = 1
	}

	index := map[string]int{}
	var out []PageRange
	for i, a := range assigned {
		if strings.TrimSpace(a.line) == "" {
			continue
		}
		page := i/perPage + 1
		if page > pageCount {
			page = pageCount
		}
		j, ok := index[a.bucket]
		if !ok {
			index[a.bucket] = len(out)
			out = append(out, PageRange{Subject: a.bucket, FirstPage: page, LastPage: page})
			continue
		}
		if page > out[j].LastPage {
			out[j].LastPage = page
		}
	}
	return out
}
