package msgfmt

import (
	"slices"
	"strings"

	"github.com/coder/graphchat/lib/chat"
	"golang.org/x/xerrors"
)

// Acknowledged is the response to a status board.
const Acknowledged = "acknowledged"

// SelectAll picks every option of a selectable interrupt.
const SelectAll = "*"

var (
	ErrEmptyResponse = xerrors.New("response is empty")
	ErrUnknownOption = xerrors.New("unknown option")
)

// ParseResponse reads one line typed by the user as the answer to ic. Select
// kinds answer with option ids and come with a summary for the transcript.
func ParseResponse(ic *chat.InterruptContent, line string) (any, *chat.SelectionSummary, error) {
	line = TrimWhitespace(line)
	switch {
	case ic.UI == chat.KindActionStatus:
		return Acknowledged, nil, nil
	case ic.UI == chat.KindYesNo:
		switch strings.ToLower(line) {
		case "y", "yes":
			return "yes", nil, nil
		case "n", "no":
			return "no", nil, nil
		}
		return nil, nil, xerrors.Errorf("answer y or n, got %q", line)
	case ic.UI.Selectable():
		ids, err := selectedIDs(ic, line)
		if err != nil {
			return nil, nil, err
		}
		if !ic.UI.MultiSelect() {
			if len(ids) != 1 {
				return nil, nil, xerrors.Errorf("pick exactly one option, got %d", len(ids))
			}
			return ids[0], ic.Summarize(ids), nil
		}
		return ids, ic.Summarize(ids), nil
	}
	if line == "" {
		return nil, nil, ErrEmptyResponse
	}
	return line, nil, nil
}

func selectedIDs(ic *chat.InterruptContent, line string) ([]string, error) {
	if line == SelectAll && ic.UI.MultiSelect() {
		ids := make([]string, 0, len(ic.Options))
		for _, o := range ic.Options {
			ids = append(ids, o.ID)
		}
		if len(ids) == 0 {
			return nil, ErrEmptyResponse
		}
		return ids, nil
	}
	var ids []string
	for _, part := range strings.Split(line, ",") {
		id := TrimWhitespace(part)
		if id == "" || slices.Contains(ids, id) {
			continue
		}
		if _, ok := ic.Option(id); !ok {
			return nil, xerrors.Errorf("%w %q", ErrUnknownOption, id)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, ErrEmptyResponse
	}
	return ids, nil
}
