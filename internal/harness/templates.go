package harness

import (
	"fmt"
	"strings"

	"github.com/codelab-lv/sandbox/api"
)

// The sidecar contract compiles one class to class bytes, so the injected
// statements are Java. All generated identifiers carry a per-injection
// suffix so they cannot collide with user code.

// normalizerDecl emits a local class with a recursive normalization method.
// Scalars stringify directly; arrays and collections normalize elementwise
// and, when sort is requested, compare independent of enumeration order.
func normalizerDecl(suffix string) string {
	return fmt.Sprintf(`class Norm_%[1]s {
String norm(Object v, boolean sort) {
if (v == null) return "null";
java.util.List<String> parts = null;
if (v.getClass().isArray()) {
parts = new java.util.ArrayList<>();
int n = java.lang.reflect.Array.getLength(v);
for (int i = 0; i < n; i++) parts.add(norm(java.lang.reflect.Array.get(v, i), sort));
} else if (v instanceof java.util.Collection) {
parts = new java.util.ArrayList<>();
for (Object e : (java.util.Collection<?>) v) parts.add(norm(e, sort));
}
if (parts == null) return String.valueOf(v);
if (sort) java.util.Collections.sort(parts);
return "[" + String.join(",", parts) + "]";
}
}
Norm_%[1]s norm_%[1]s = new Norm_%[1]s();
`, suffix)
}

// testCaseBlock emits arrange, act and the signed assertion print for one
// test case.
func testCaseBlock(tc api.TestCase, signingKey, suffix string, caseNo int) (string, error) {
	if len(tc.Calls) == 0 {
		return "", fmt.Errorf("test case %s has no call expressions", tc.Id)
	}

	var b strings.Builder
	if setup := strings.TrimSpace(tc.Setup); setup != "" {
		b.WriteString(setup)
		b.WriteString("\n")
	}

	actVar := fmt.Sprintf("act_%d_%s", caseNo, suffix)
	for _, call := range tc.Calls[:len(tc.Calls)-1] {
		b.WriteString(call)
		b.WriteString(";\n")
	}
	fmt.Fprintf(&b, "Object %s = %s;\n", actVar, tc.Calls[len(tc.Calls)-1])

	sort := "false"
	if !tc.OrderMatters {
		sort = "true"
	}
	fmt.Fprintf(&b,
		"System.out.println(\"ctr-%s-answ: tc_id:%s \" + norm_%s.norm(%s, %s).equals(norm_%s.norm(%s, %s)));\n",
		signingKey, tc.Id,
		suffix, javaExpr(tc.Expected), sort,
		suffix, actVar, sort)
	return b.String(), nil
}

func javaExpr(s string) string {
	return strings.TrimSpace(s)
}

func timingStartStmt(suffix string) string {
	return fmt.Sprintf("final long start_%s = System.nanoTime();\n", suffix)
}

func timingEndStmt(signingKey, suffix string) string {
	return fmt.Sprintf(
		"\nSystem.out.println(\"ctr-%s-time: \" + ((System.nanoTime() - start_%s) / 1000000L));\n",
		signingKey, suffix)
}
