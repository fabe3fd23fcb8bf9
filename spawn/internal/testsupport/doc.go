/*

Package testsupport is an internal package designed to break the import cycle
between potato/spawn and potato/spawn/spawntest: it allows spawntest to tell
spawn when an application using spawn is under test, so that re-executed
children get passed test arguments that make them run no tests. And it allows
spawntest invoking spawn's RunAction() for triggering a registered task during
re-execution.

*/
package testsupport
