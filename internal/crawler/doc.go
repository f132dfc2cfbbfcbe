// Package crawler defines the collaborator contracts shared by the worker
// pool: page-fetch sessions bound to one proxy, extraction, the result sink,
// and the centralized retry policy.
package crawler
