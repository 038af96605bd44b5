package ui

import (
	"fmt"

	"github.com/AlecAivazis/survey/v2"
)

// StaleChoice is the answer to PromptStaleMount
type StaleChoice int

const (
	// StaleReuse keeps the leftover mount
	StaleReuse StaleChoice = iota
	// StaleRemount unmounts it and mounts again
	StaleRemount
)

var staleOptions = []string{
	"Reuse the existing mount",
	"Force unmount and mount again",
}

// PromptYesNo prompts the user for a yes/no answer. In non-interactive mode
// it returns defaultYes without asking.
func (u *UI) PromptYesNo(prompt string, defaultYes bool) (bool, error) {
	if u.nonInteractive {
		return defaultYes, nil
	}

	var result bool
	p := &survey.Confirm{
		Message: prompt,
		Default: defaultYes,
	}

	err := survey.AskOne(p, &result)
	return result, err
}

// PromptSelect prompts the user to select from a list. In non-interactive
// mode the first option is chosen.
func (u *UI) PromptSelect(prompt string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, fmt.Errorf("no options to select from")
	}
	if u.nonInteractive {
		return 0, nil
	}

	var selected string
	p := &survey.Select{
		Message: prompt,
		Options: options,
	}

	if err := survey.AskOne(p, &selected); err != nil {
		return -1, err
	}

	// Find the index of the selected option
	for i, opt := range options {
		if opt == selected {
			return i, nil
		}
	}

	return -1, fmt.Errorf("selected option not found")
}

// ConfirmDestroy asks before deleting kind/name. force skips the question.
// Without a terminal nothing is deleted unless force is set.
func (u *UI) ConfirmDestroy(kind, name string, force bool) (bool, error) {
	if force {
		return true, nil
	}
	if u.nonInteractive {
		u.Warningf("Refusing to destroy %s %s without --force", kind, name)
		return false, nil
	}
	return u.PromptYesNo(fmt.Sprintf("Destroy %s %s and all of its files?", kind, name), false)
}

// PromptStaleMount asks what to do with an overlay a previous session left
// mounted. Non-interactive mode reuses it.
func (u *UI) PromptStaleMount(system string) (StaleChoice, error) {
	u.Warningf("System %s is still mounted from a previous session", system)
	idx, err := u.PromptSelect("What should happen to the existing mount?", staleOptions)
	if err != nil {
		return StaleReuse, err
	}
	if idx == 1 {
		return StaleRemount, nil
	}
	return StaleReuse, nil
}
