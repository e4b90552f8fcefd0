package etc

import "github.com/nrednav/cuid2"

func NewFreshID() string {
	return cuid2.Generate()
}
