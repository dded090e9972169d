package testutil

import "testing"

// AssertEqual asserts that the given expected and actual values are equal
func AssertEqual(t *testing.T, expected interface{}, actual interface{}) {
	t.Helper()
	if expected != actual {
		FatalMsgf(t, "Expected (%+v) is not equal to actual (%+v)!", expected, actual)
	}
}

func AssertMsg(t *testing.T, cond bool, message string) {
	t.Helper()
	if !cond {
		FatalMsgf(t, "Assertion error: %s", message)
	}
}

// AssertMsgf is AssertMsg with a formatted message.
func AssertMsgf(t *testing.T, cond bool, format string, args ...interface{}) {
	t.Helper()
	if !cond {
		FatalMsgf(t, format, args...)
	}
}

// AssertNotEqual asserts that the given expected and actual values differ.
func AssertNotEqual(t *testing.T, expected interface{}, actual interface{}) {
	t.Helper()
	if expected == actual {
		FatalMsgf(t, "Expected (%+v) to not equal actual (%+v)!", expected, actual)
	}
}

// AssertMapEquals asserts that the `actual` map has all the keys with the
// same values as `expected`
func AssertMapEquals(t *testing.T,
	expected, actual map[string]interface{}) {
	t.Helper()
	for key := range expected {
		actualVal, ok := actual[key]
		if !ok {
			FatalMsgf(t, "Expected map contains key %s, actual map does not!",
				key)
		}
		expectedVal := expected[key]
		if actualVal != expectedVal {
			FatalMsgf(t, "Expected[%s] (%+v) is not equal to actual[%s] (%+v)!",
				key, expectedVal, key, actualVal)

		}
	}

}
