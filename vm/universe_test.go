package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOopTagging(t *testing.T) {
	smi := SmallInt(-42)
	require.True(t, smi.IsSmallInt())
	require.False(t, smi.IsMem())
	require.Equal(t, int32(-42), smi.SmallIntValue())

	mem := MemOop(0x1000_0010)
	require.True(t, mem.IsMem())
	require.Equal(t, uint32(0x1000_0010), mem.Addr())

	require.Panics(t, func() { SmallInt(MaxSmallInt + 1) })
	require.Panics(t, func() { MemOop(0x1002) })
}

func TestLookupWalksSuperclasses(t *testing.T) {
	u := NewUniverse()
	animal := u.DefineClass("Animal", u.ObjectClass, 1)
	dog := u.DefineClass("Dog", animal, 0)
	speak := u.DefineMethod(animal, "speak", MethodNormal, nil)

	require.Same(t, speak, u.Lookup(dog.Oop, speak.Selector))
	require.Nil(t, u.Lookup(dog.Oop, u.Selectors.Intern("fly")))
	require.Equal(t, 1, dog.NumSlots)
	require.True(t, dog.IsSubclassOf(u.ObjectClass))
}

func TestSelectorInterning(t *testing.T) {
	u := NewUniverse()
	a := u.Selectors.Intern("at:put:")
	require.Equal(t, a, u.Selectors.Intern("at:put:"))
	require.Equal(t, "at:put:", u.SelectorName(a))
	require.False(t, u.IsYoung(a))

	require.Equal(t, 2, Arity("at:put:"))
	require.Equal(t, 1, Arity("+"))
	require.Equal(t, 0, Arity("size"))
}

func TestMessageReification(t *testing.T) {
	u := NewUniverse()
	sel := u.Selectors.Intern("foo:")
	msg := u.NewMessage(SmallInt(3), sel, []Oop{SmallInt(4)})

	obj := u.Object(msg)
	require.Same(t, u.MessageClass, obj.Class)
	require.Equal(t, SmallInt(3), obj.Slots[0])
	require.Equal(t, sel, obj.Slots[1])
	require.Equal(t, []Oop{SmallInt(4)}, u.Object(obj.Slots[2]).Slots)
	require.True(t, u.IsYoung(msg))
	require.False(t, u.IsYoung(sel))
}

func TestMethodDefinedHooks(t *testing.T) {
	u := NewUniverse()
	point := u.DefineClass("Point", u.ObjectClass, 2)
	var seen []string
	u.OnMethodDefined(func(c *Class, m *Method) {
		seen = append(seen, c.Name+">>"+u.SelectorName(m.Selector))
	})
	u.DefineMethod(point, "x", MethodNormal, nil)
	u.DefineMethod(point, "y", MethodNormal, nil)
	require.Equal(t, []string{"Point>>x", "Point>>y"}, seen)
}

func TestMethodWords(t *testing.T) {
	m := &Method{Bytecodes: make([]byte, 12)}
	m.SetWord(4, SmallInt(7))
	require.Equal(t, SmallInt(7), m.Word(4))
	require.Equal(t, Oop(0), m.Word(8))
}
