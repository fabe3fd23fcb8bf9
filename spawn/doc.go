/*

Package spawn starts new processes (and threads) into fresh Linux kernel
namespaces and runs only a specific, registered task in them.

Why re-execution, because the Go runtime cannot safely run arbitrary Go code
in a child created by a raw clone(2): by the time main() runs, the runtime
has become multi-threaded. So instead of handing a closure to clone(2), the
application registers its tasks by name early on, and Spawn forks and
re-executes /proc/self/exe with the requested clone flags, telling the child
which task to run. The task's argument travels as JSON through the child's
environment, so the child always works on a copy, never on shared memory.

Applications using spawn must call CheckAction() first thing in their
main(), so that re-executed children run their task and exit instead of
becoming yet another copy of the application.

*/
package spawn
