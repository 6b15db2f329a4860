package repositories

import "errors"

// ErrNotFound means the requested row does not exist. Every repository
// translates gorm.ErrRecordNotFound to this sentinel so callers never
// import gorm just to check a lookup:
//
//	job, err := repo.Latest(ctx, orgID, id)
//	if errors.Is(err, repositories.ErrNotFound) { ... }
var ErrNotFound = errors.New("record not found")

// ErrConflict means an insert or update hit a unique constraint, e.g.
// two agents registering with the same (org, host) pair.
var ErrConflict = errors.New("record already exists")
