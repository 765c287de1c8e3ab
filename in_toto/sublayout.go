package in_toto

import (
	"fmt"
	"path/filepath"
)

/*
SUBLAYOUT_LINK_DIR_FORMAT's Go-idiomatic name, SublayoutLinkDirFormat, is
declared in model.go next to LinkNameFormat since both describe on-disk
link file naming.

A sublayout step's evidence file has the same name as any other step's
link file, but its payload is a signed Layout instead of a Link. This file supplies
the recursion glue spec.md §4.7 step 8 describes — locating a sublayout's
link directory and deriving the pubkeys it should be verified against.
*/

// SublayoutLinkDir returns the directory, relative to the parent
// verification's link directory, that a sublayout step's own Link files
// are expected to live in.
func SublayoutLinkDir(stepName string, layoutKeyId string) string {
	return fmt.Sprintf(SublayoutLinkDirFormat, stepName, layoutKeyId)
}

// sublayoutOwnerKeys derives the public keys a sublayout must be verified
// against: per spec.md §4.7 step 8, "parent step's pubkeys become the
// sublayout's owner keys" — the functionaries trusted to perform the
// parent step are exactly the functionaries trusted to have authored the
// nested layout.
func sublayoutOwnerKeys(parentLayout Layout, step Step) map[string]Key {
	owners := make(map[string]Key, len(step.PubKeys))
	for _, keyId := range step.PubKeys {
		if key, ok := parentLayout.Keys[keyId]; ok {
			owners[keyId] = key
		}
	}
	return owners
}

// resolveSublayoutPath joins a parent link directory with a sublayout's
// derived subdirectory, matching the layout convention used throughout
// this package for link file locations.
func resolveSublayoutPath(parentLinkDir, stepName, layoutKeyId string) string {
	return filepath.Join(parentLinkDir, SublayoutLinkDir(stepName, layoutKeyId))
}
