package ledgersync

import (
	"fmt"

	"github.com/google/uuid"
	"go.jetify.com/typeid/v2"
)

const issueIDPrefix = "iss"

// NewCorrelationID returns a time-ordered id shared by every record a single
// sweep or correction pass produces.
func NewCorrelationID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewIssueID returns a prefixed, sortable id such as "iss_01h2xcejqtf2nbrexx3vqjhp41".
func NewIssueID() string {
	tid, err := typeid.Generate(issueIDPrefix)
	if err != nil {
		panic(fmt.Sprintf("ledgersync: invalid issue id prefix %q: %v", issueIDPrefix, err))
	}
	return tid.String()
}
